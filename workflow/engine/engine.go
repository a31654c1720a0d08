// Package engine executes workflow DAGs: bounded-parallel scheduling,
// per-node retries and timeouts, conditional edge gating, loop fan-out,
// and sub-workflow dispatch.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/supervisor/common/config"
	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/common/queue"
	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/archive"
	"github.com/lyzr/supervisor/workflow/condition"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
	"github.com/lyzr/supervisor/workflow/store"
)

// Event types emitted during a run.
const (
	EventWorkflowStart    = "workflow:start"
	EventWorkflowComplete = "workflow:complete"
	EventNodeStart        = "node:start"
	EventNodeComplete     = "node:complete"
	EventNodeRetry        = "node:retry"
	EventNodeError        = "node:error"
	EventLoopIteration    = "loop:iteration"
)

// Event is one engine lifecycle notification.
type Event struct {
	Type       string         `json:"type"`
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	NodeID     string         `json:"nodeId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Engine schedules workflow runs. Each run owns its own context; the only
// state shared between runs is the registry, the store, and the archive.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	archive  *archive.Archive
	svcs     *services.Registry
	cfg      *config.Config
	eval     *condition.Evaluator
	queue    *queue.MemoryQueue
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]*runState
	pending map[string]*runState

	subsMu sync.RWMutex
	subs   []func(Event)
}

// New creates an engine. Dispatched runs are consumed once Start is called.
func New(
	st *store.Store,
	reg *registry.Registry,
	arc *archive.Archive,
	svcs *services.Registry,
	cfg *config.Config,
	q *queue.MemoryQueue,
	log *logger.Logger,
) (*Engine, error) {
	eval, err := condition.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}
	return &Engine{
		store:    st,
		registry: reg,
		archive:  arc,
		svcs:     svcs,
		cfg:      cfg,
		eval:     eval,
		queue:    q,
		log:      log,
		running:  make(map[string]*runState),
		pending:  make(map[string]*runState),
	}, nil
}

// Services returns the capability registry handed to node handlers.
func (e *Engine) Services() *services.Registry { return e.svcs }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the workflow store.
func (e *Engine) Store() *store.Store { return e.store }

// Archive returns the run archive.
func (e *Engine) Archive() *archive.Archive { return e.archive }

// Registry returns the node-type registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Subscribe registers an event observer. Observers run synchronously on the
// scheduling goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	e.subsMu.RLock()
	subs := e.subs
	e.subsMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Start begins consuming dispatched runs. Returns immediately; consumption
// stops when the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	return e.queue.Subscribe(ctx, queue.TopicRunDispatch, func(ctx context.Context, key string, _ []byte) error {
		e.mu.Lock()
		rs, ok := e.pending[key]
		delete(e.pending, key)
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("dispatched run %s has no pending state", key)
		}
		e.run(ctx, rs)
		return nil
	})
}

// ExecuteWorkflow runs a workflow synchronously and returns its result.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*sdk.RunResult, error) {
	return e.ExecuteWorkflowTriggered(ctx, workflowID, input, archive.TriggerMeta{Source: "direct"})
}

// ExecuteWorkflowTriggered is ExecuteWorkflow with trigger attribution for
// the run archive.
func (e *Engine) ExecuteWorkflowTriggered(ctx context.Context, workflowID string, input map[string]any, trigger archive.TriggerMeta) (*sdk.RunResult, error) {
	rs, err := e.prepare(workflowID, input, trigger)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, rs), nil
}

// DispatchWorkflow enqueues a run and returns its run id without waiting.
func (e *Engine) DispatchWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	rs, err := e.prepare(workflowID, input, archive.TriggerMeta{Source: "dispatch"})
	if err != nil {
		return "", err
	}

	runID := rs.ec.RunID()
	e.mu.Lock()
	e.pending[runID] = rs
	e.mu.Unlock()

	if err := e.queue.Publish(ctx, queue.TopicRunDispatch, runID, nil); err != nil {
		e.mu.Lock()
		delete(e.pending, runID)
		e.mu.Unlock()
		return "", fmt.Errorf("failed to enqueue run: %w", err)
	}
	return runID, nil
}

// Cancel requests cancellation of a running run: no new nodes start and
// in-flight handlers observe their context being cancelled.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	rs, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	rs.requestCancel()
	return true
}

func (e *Engine) prepare(workflowID string, input map[string]any, trigger archive.TriggerMeta) (*runState, error) {
	wf, err := e.store.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return &runState{
		wf:      wf,
		ec:      execution.NewContext(wf, input),
		trigger: trigger,
		cancel:  make(chan struct{}),
	}, nil
}

// runState is the per-run bookkeeping the engine keeps outside the
// execution context.
type runState struct {
	wf      *sdk.WorkflowDefinition
	ec      *execution.Context
	trigger archive.TriggerMeta

	cancel     chan struct{}
	cancelOnce sync.Once
}

func (rs *runState) requestCancel() {
	rs.cancelOnce.Do(func() { close(rs.cancel) })
}

func (rs *runState) isCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-rs.cancel:
		return true
	default:
		return false
	}
}
