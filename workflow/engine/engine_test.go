package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/supervisor/common/config"
	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/common/queue"
	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/archive"
	"github.com/lyzr/supervisor/workflow/engine"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/nodes"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
	"github.com/lyzr/supervisor/workflow/store"
)

type testEnv struct {
	eng *engine.Engine
	st  *store.Store
	reg *registry.Registry
	q   *queue.MemoryQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	st, err := store.New(cfg.DataDir, log)
	require.NoError(t, err)
	require.NoError(t, st.Load())

	arc, err := archive.New(cfg.DataDir, cfg.MaxPersistedRuns, cfg.StuckThreshold, log)
	require.NoError(t, err)

	reg := registry.New()
	nodes.RegisterBuiltins(reg)

	q := queue.NewMemoryQueue(log)
	t.Cleanup(func() { q.Close() })

	eng, err := engine.New(st, reg, arc, services.NewRegistry(), cfg, q, log)
	require.NoError(t, err)

	return &testEnv{eng: eng, st: st, reg: reg, q: q}
}

func (te *testEnv) save(t *testing.T, wf *sdk.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, te.st.Save(wf))
}

// register installs a test handler under the given type.
func (te *testEnv) register(typ string, fn registry.ExecuteFunc) {
	te.reg.Register(registry.Registration{Type: typ, Execute: fn})
}

// eventCollector records engine events thread-safely.
type eventCollector struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *eventCollector) collect(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) ofType(typ string) []engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []engine.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func linearWorkflow(nodeTypes ...string) *sdk.WorkflowDefinition {
	wf := &sdk.WorkflowDefinition{ID: uuid.NewString(), Name: "test"}
	prev := ""
	for i, typ := range nodeTypes {
		id := string(rune('a' + i))
		wf.Nodes = append(wf.Nodes, sdk.Node{ID: id, Type: typ})
		if prev != "" {
			wf.Edges = append(wf.Edges, sdk.Edge{ID: "e" + id, Source: prev, Target: id})
		}
		prev = id
	}
	return wf
}

func TestRetryUntilSuccess(t *testing.T) {
	te := newTestEnv(t)

	var invocations int
	var mu sync.Mutex
	te.register("test.flaky_second_try", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		invocations++
		if invocations == 1 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.flaky_second_try")
	wf.Nodes[1].Config = map[string]any{"maxRetries": 3, "retryDelayMs": 0}
	te.save(t, wf)

	collector := &eventCollector{}
	te.eng.Subscribe(collector.collect)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, invocations)
	assert.Empty(t, result.Errors)
	assert.Equal(t, sdk.RunCompleted, result.Status)

	retries := collector.ofType(engine.EventNodeRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Payload["attempt"])
}

func TestRetryExhaustion(t *testing.T) {
	te := newTestEnv(t)

	var invocations int
	var mu sync.Mutex
	te.register("test.always_fail", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		invocations++
		return nil, errors.New("permanent failure")
	})

	wf := linearWorkflow("trigger.manual", "test.always_fail")
	wf.Nodes[1].Config = map[string]any{"maxRetries": 2, "retryDelayMs": 0}
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, invocations)
	assert.Equal(t, sdk.RunFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b", result.Errors[0].NodeID)

	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, sdk.NodeFailed, detail.NodeStatuses["b"])
	assert.LessOrEqual(t, detail.RetryAttempts["b"], 2)
}

func TestLoopFanOutInOrder(t *testing.T) {
	te := newTestEnv(t)

	var collected []string
	var mu sync.Mutex
	te.register("test.collect_item", func(_ context.Context, _ *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
		item, _ := ec.GetData("item")
		mu.Lock()
		collected = append(collected, item.(string))
		mu.Unlock()
		return map[string]any{"item": item}, nil
	})

	wf := linearWorkflow("trigger.manual", "loop.for_each", "test.collect_item")
	wf.Nodes[1].Config = map[string]any{"items": `["a","b","c"]`, "variable": "item"}
	te.save(t, wf)

	collector := &eventCollector{}
	te.eng.Subscribe(collector.collect)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.RunCompleted, result.Status)

	assert.Equal(t, []string{"a", "b", "c"}, collected)

	iterations := collector.ofType(engine.EventLoopIteration)
	require.Len(t, iterations, 3)
	for i, ev := range iterations {
		assert.Equal(t, i, ev.Payload["index"])
		assert.Equal(t, 3, ev.Payload["total"])
	}

	body, ok := result.NodeOutputs["c"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, body["iterations"])
}

func TestSwitchPortRouting(t *testing.T) {
	te := newTestEnv(t)

	var leftRan, rightRan bool
	var mu sync.Mutex
	te.register("test.left", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		mu.Lock()
		leftRan = true
		mu.Unlock()
		return map[string]any{}, nil
	})
	te.register("test.right", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		mu.Lock()
		rightRan = true
		mu.Unlock()
		return map[string]any{}, nil
	})

	wf := &sdk.WorkflowDefinition{
		ID:   uuid.NewString(),
		Name: "switch",
		Nodes: []sdk.Node{
			{ID: "start", Type: "trigger.manual"},
			{ID: "pick", Type: "condition.switch", Config: map[string]any{
				"value": `'left'`,
				"cases": map[string]any{"left": "L", "right": "R"},
			}},
			{ID: "leftNode", Type: "test.left"},
			{ID: "rightNode", Type: "test.right"},
		},
		Edges: []sdk.Edge{
			{ID: "e1", Source: "start", Target: "pick"},
			{ID: "e2", Source: "pick", Target: "leftNode", SourcePort: "L"},
			{ID: "e3", Source: "pick", Target: "rightNode", SourcePort: "R"},
		},
	}
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.True(t, leftRan)
	assert.False(t, rightRan, "unmatched port must never start")
	assert.Equal(t, sdk.RunCompleted, result.Status)

	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, sdk.NodeCompleted, detail.NodeStatuses["leftNode"])
	assert.Equal(t, sdk.NodeSkipped, detail.NodeStatuses["rightNode"])
}

func TestTemplateTypedValue(t *testing.T) {
	te := newTestEnv(t)

	var got any
	te.register("test.capture_count", func(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		got = node.Config["count"]
		return map[string]any{}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.capture_count")
	wf.Variables = map[string]any{"n": 42}
	wf.Nodes[1].Config = map[string]any{"count": "{{n}}"}
	te.save(t, wf)

	_, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(42), got, "placeholder covering the whole value keeps the numeric type")
}

func TestEdgeConditionFalseSkipsTarget(t *testing.T) {
	te := newTestEnv(t)

	var downstreamRan bool
	te.register("test.downstream", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		downstreamRan = true
		return map[string]any{}, nil
	})
	te.register("test.emit_count", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		return map[string]any{"count": 1}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.emit_count", "test.downstream")
	wf.Edges[1].Condition = `$output.count > 5`
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.False(t, downstreamRan)
	assert.Equal(t, sdk.RunCompleted, result.Status, "a false condition is not an error")

	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, sdk.NodeSkipped, detail.NodeStatuses["c"])
}

func TestContinueOnErrorKeepsRunGoing(t *testing.T) {
	te := newTestEnv(t)

	te.register("test.always_fail", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		return nil, errors.New("expected failure")
	})
	var sawFailedOutput bool
	te.register("test.inspect_upstream", func(_ context.Context, _ *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
		out, _ := ec.NodeOutput("b")
		if m, ok := out.(map[string]any); ok {
			sawFailedOutput, _ = m["_failed"].(bool)
		}
		return map[string]any{}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.always_fail", "test.inspect_upstream")
	wf.Nodes[1].Config = map[string]any{"continueOnError": true, "maxRetries": 0, "retryDelayMs": 0}
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.True(t, sawFailedOutput, "downstream must see the {error, _failed} output")
	assert.Equal(t, sdk.RunFailed, result.Status, "recorded errors still fail the run")

	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, sdk.NodeFailed, detail.NodeStatuses["b"])
	assert.Equal(t, sdk.NodeCompleted, detail.NodeStatuses["c"])
}

func TestAbortPathSkipsRemaining(t *testing.T) {
	te := newTestEnv(t)

	te.register("test.always_fail", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		return nil, errors.New("hard failure")
	})
	var ran bool
	te.register("test.never_reached", func(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		ran = true
		return map[string]any{}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.always_fail", "test.never_reached")
	wf.Nodes[1].Config = map[string]any{"maxRetries": 0, "retryDelayMs": 0}
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.False(t, ran)
	assert.Equal(t, sdk.RunFailed, result.Status)

	// Terminal accounting: completed + failed + skipped == node count.
	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	var completed, failed, skipped int
	for _, s := range detail.NodeStatuses {
		switch s {
		case sdk.NodeCompleted:
			completed++
		case sdk.NodeFailed:
			failed++
		case sdk.NodeSkipped:
			skipped++
		}
	}
	assert.Equal(t, len(wf.Nodes), completed+failed+skipped)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
}

func TestUnknownNodeTypeFailsWithoutRetry(t *testing.T) {
	te := newTestEnv(t)

	wf := linearWorkflow("trigger.manual", "test.not_registered")
	te.save(t, wf)

	collector := &eventCollector{}
	te.eng.Subscribe(collector.collect)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, sdk.RunFailed, result.Status)
	assert.Empty(t, collector.ofType(engine.EventNodeRetry), "unknown types are not retryable")
}

func TestParallelBranchesBothRun(t *testing.T) {
	te := newTestEnv(t)

	var mu sync.Mutex
	ran := map[string]bool{}
	record := func(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		mu.Lock()
		ran[node.ID] = true
		mu.Unlock()
		return map[string]any{}, nil
	}
	te.register("test.branch", record)

	wf := &sdk.WorkflowDefinition{
		ID:   uuid.NewString(),
		Name: "diamond",
		Nodes: []sdk.Node{
			{ID: "start", Type: "trigger.manual"},
			{ID: "left", Type: "test.branch"},
			{ID: "right", Type: "test.branch"},
			{ID: "join", Type: "test.branch"},
		},
		Edges: []sdk.Edge{
			{ID: "e1", Source: "start", Target: "left"},
			{ID: "e2", Source: "start", Target: "right"},
			{ID: "e3", Source: "left", Target: "join"},
			{ID: "e4", Source: "right", Target: "join"},
		},
	}
	te.save(t, wf)

	result, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, sdk.RunCompleted, result.Status)
	assert.True(t, ran["left"])
	assert.True(t, ran["right"])
	assert.True(t, ran["join"])

	// The join runs exactly once, after both parents.
	detail, err := te.eng.Archive().RunDetail(result.RunID)
	require.NoError(t, err)
	joins := 0
	for _, ev := range detail.StatusEvents {
		if ev.NodeID == "join" && ev.Status == sdk.NodeRunning {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
}

func TestCancellation(t *testing.T) {
	te := newTestEnv(t)

	started := make(chan string, 1)
	te.register("test.block", func(ctx context.Context, _ *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
		select {
		case started <- ec.RunID():
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	wf := linearWorkflow("trigger.manual", "test.block", "trigger.manual")
	wf.Nodes[1].Config = map[string]any{"maxRetries": 0, "retryDelayMs": 0}
	te.save(t, wf)

	type outcome struct {
		result *sdk.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
		done <- outcome{r, err}
	}()

	runID := <-started
	require.Eventually(t, func() bool { return te.eng.Cancel(runID) }, time.Second, 5*time.Millisecond)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, sdk.RunCancelled, res.result.Status)

	detail, err := te.eng.Archive().RunDetail(res.result.RunID)
	require.NoError(t, err)
	assert.Equal(t, sdk.NodeSkipped, detail.NodeStatuses["c"], "no new nodes start after cancellation")
}

func TestSubWorkflowSyncAndCycleRefusal(t *testing.T) {
	te := newTestEnv(t)

	child := linearWorkflow("trigger.manual")
	te.save(t, child)

	parent := linearWorkflow("trigger.manual", "action.execute_workflow")
	parent.Nodes[1].Config = map[string]any{
		"workflowId":     child.ID,
		"mode":           "sync",
		"outputVariable": "childResult",
	}
	te.save(t, parent)

	result, err := te.eng.ExecuteWorkflow(context.Background(), parent.ID, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.RunCompleted, result.Status)

	out, ok := result.NodeOutputs["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", out["status"])
	assert.NotEmpty(t, out["runId"])
	assert.Contains(t, result.Output, "childResult")

	// A workflow dispatching itself is refused via the ancestry chain.
	loop := linearWorkflow("trigger.manual", "action.execute_workflow")
	loop.Nodes[1].Config = map[string]any{
		"workflowId":   loop.ID,
		"mode":         "sync",
		"maxRetries":   0,
		"retryDelayMs": 0,
	}
	te.save(t, loop)

	result, err = te.eng.ExecuteWorkflow(context.Background(), loop.ID, map[string]any{
		sdk.KeyAncestry: []any{loop.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.RunFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Error, "cycle")
}

func TestDispatchWorkflow(t *testing.T) {
	te := newTestEnv(t)

	wf := linearWorkflow("trigger.manual")
	te.save(t, wf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, te.eng.Start(ctx))

	runID, err := te.eng.DispatchWorkflow(ctx, wf.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		detail, err := te.eng.Archive().RunDetail(runID)
		return err == nil && detail.Status == sdk.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchUnknownWorkflow(t *testing.T) {
	te := newTestEnv(t)

	_, err := te.eng.DispatchWorkflow(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeterministicReplay(t *testing.T) {
	te := newTestEnv(t)

	te.register("test.pure", func(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
		return map[string]any{"doubled": getFloat(node.Config["count"]) * 2}, nil
	})

	wf := linearWorkflow("trigger.manual", "test.pure")
	wf.Variables = map[string]any{"n": 21}
	wf.Nodes[1].Config = map[string]any{"count": "{{n}}"}
	te.save(t, wf)

	first, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)
	second, err := te.eng.ExecuteWorkflow(context.Background(), wf.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, first.NodeOutputs["b"], second.NodeOutputs["b"])
	assert.NotEqual(t, first.RunID, second.RunID)
}

func getFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
