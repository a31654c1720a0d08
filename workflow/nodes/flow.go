package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// flowGate polls config.expression until it passes or the wait budget is
// spent. The node sits in waiting between polls; the surrounding retry and
// timeout machinery still applies on top of maxWaitMs.
func flowGate(ctx context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	expr, err := requireString(node.Config, "expression")
	if err != nil {
		return nil, err
	}
	pollEvery := getDuration(node.Config, "pollIntervalMs", time.Second)
	maxWait := getDuration(node.Config, "maxWaitMs", time.Minute)

	ev, err := evaluator()
	if err != nil {
		return nil, err
	}

	sourceID := getString(node.Config, "sourceNodeId")
	started := time.Now()
	deadline := started.Add(maxWait)

	ec.SetNodeStatus(node.ID, sdk.NodeWaiting)
	defer ec.SetNodeStatus(node.ID, sdk.NodeRunning)

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if ev.EvaluateBool(expr, bindingsFor(ec, sourceID)) {
			return map[string]any{
				"passed":   true,
				"waitedMs": time.Since(started).Milliseconds(),
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("gate did not open within %s", maxWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// loopForEach exposes items and the iteration variable; the scheduler does
// the actual fan-out.
func loopForEach(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	items := getSlice(node.Config, "items")
	if items == nil {
		items = []any{}
	}
	return map[string]any{
		"items":    items,
		"variable": getStringDefault(node.Config, "variable", "item"),
		"count":    len(items),
	}, nil
}
