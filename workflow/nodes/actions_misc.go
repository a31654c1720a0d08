package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// actionDelay sleeps for config.durationMs (or delayMs), observing
// cancellation.
func actionDelay(ctx context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	d := getDuration(node.Config, "durationMs", 0)
	if d == 0 {
		d = getDuration(node.Config, "delayMs", time.Second)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"delayedMs": d.Milliseconds()}, nil
}

// actionSetVariable writes one key into the run data.
func actionSetVariable(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	name, err := requireString(node.Config, "name")
	if err != nil {
		return nil, err
	}
	value := node.Config["value"]

	ec.SetData(name, value)
	return map[string]any{
		"name":  name,
		"value": value,
	}, nil
}

// actionExecuteWorkflow runs another workflow, either synchronously or as a
// fire-and-forget dispatch. The ancestor chain travels in the child's input
// under the reserved ancestry key; a workflow already in the chain is
// refused before anything starts.
func actionExecuteWorkflow(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine not available")
	}
	workflowID, err := requireString(node.Config, "workflowId")
	if err != nil {
		return nil, err
	}
	mode := getStringDefault(node.Config, "mode", "sync")

	ancestry := ancestryOf(ec)
	for _, id := range ancestry {
		if id == workflowID {
			return nil, fmt.Errorf("workflow cycle: %s already in ancestor chain", workflowID)
		}
	}

	input := make(map[string]any)
	if getBool(node.Config, "inheritContext", false) {
		include := getStrings(node.Config, "includeKeys")
		snapshot := ec.DataSnapshot()
		if len(include) > 0 {
			for _, k := range include {
				if v, ok := snapshot[k]; ok {
					input[k] = v
				}
			}
		} else {
			for k, v := range snapshot {
				input[k] = v
			}
		}
	}
	for k, v := range getMap(node.Config, "input") {
		input[k] = v
	}
	input[sdk.KeyAncestry] = appendAncestry(ancestry, ec.WorkflowID())

	switch mode {
	case "dispatch":
		runID, err := eng.DispatchWorkflow(ctx, workflowID, input)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status": "dispatched",
			"runId":  runID,
		}, nil

	case "sync":
		result, err := eng.ExecuteWorkflow(ctx, workflowID, input)
		if err != nil {
			return nil, err
		}
		if getBool(node.Config, "failOnChildError", false) && len(result.Errors) > 0 {
			return nil, fmt.Errorf("child workflow %s failed: %s", workflowID, result.Errors[0].Error)
		}
		if outVar := getString(node.Config, "outputVariable"); outVar != "" {
			ec.SetData(outVar, result.Output)
		}
		return map[string]any{
			"status":      string(result.Status),
			"runId":       result.RunID,
			"childOutput": result.Output,
		}, nil

	default:
		return nil, fmt.Errorf("unknown mode: %s", mode)
	}
}

func ancestryOf(ec *execution.Context) []string {
	v, _ := ec.GetData(sdk.KeyAncestry)
	switch chain := v.(type) {
	case []string:
		return chain
	case []any:
		out := make([]string, 0, len(chain))
		for _, id := range chain {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendAncestry(chain []string, id string) []any {
	out := make([]any, 0, len(chain)+1)
	for _, c := range chain {
		out = append(out, c)
	}
	return append(out, id)
}

// actionAllocateSlot takes one slot from a named lane; a full lane fails
// the node (and enters the retry loop).
func actionAllocateSlot(_ context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := slotsOf(eng)
	if err != nil {
		return nil, err
	}
	slot, err := requireString(node.Config, "slot")
	if err != nil {
		return nil, err
	}
	if err := pool.Allocate(slot); err != nil {
		return nil, err
	}
	return map[string]any{"allocated": true, "slot": slot}, nil
}

// actionReleaseSlot returns one slot to a named lane.
func actionReleaseSlot(_ context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := slotsOf(eng)
	if err != nil {
		return nil, err
	}
	slot, err := requireString(node.Config, "slot")
	if err != nil {
		return nil, err
	}
	pool.Release(slot)
	return map[string]any{"released": true, "slot": slot}, nil
}

// actionResolveExecutor maps the configured executor name to a concrete
// one. "auto" walks the operator-configured priority list and picks the
// first entry; the fallback chain is configuration, never inferred.
func actionResolveExecutor(_ context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	executor := getStringDefault(node.Config, "executor", "auto")
	if executor != "auto" {
		return map[string]any{"executor": executor}, nil
	}

	if eng == nil || eng.Config() == nil {
		return nil, fmt.Errorf("engine configuration not available")
	}
	priority := eng.Config().ExecutorPriority
	if len(priority) == 0 {
		return nil, fmt.Errorf("executor is %q but no executor priority is configured", "auto")
	}

	if s, err := svcs(eng); err == nil && s.Config != nil {
		for _, name := range priority {
			if s.Config.Get("executor."+name+".enabled", "true") == "true" {
				return map[string]any{"executor": name, "resolved": true}, nil
			}
		}
		return nil, fmt.Errorf("no executor in priority list is enabled")
	}

	return map[string]any{"executor": priority[0], "resolved": true}, nil
}
