package engine

import (
	"context"
	"encoding/json"

	"github.com/lyzr/supervisor/workflow/sdk"
)

// fanOutLoop runs the subgraph directly downstream of a loop node once per
// item, each iteration in its own forked context, sequentially and in item
// order. Afterwards the downstream targets are marked completed in the
// parent with a synthetic aggregate output, and routing continues past them.
func (e *Engine) fanOutLoop(ctx context.Context, g *runGraph, loopNode *sdk.Node, outMap map[string]any) []string {
	rs := g.rs
	ec := rs.ec

	items := loopItems(outMap["items"])
	variable, _ := outMap["variable"].(string)
	if variable == "" {
		variable = "item"
	}

	var targets []string
	seen := make(map[string]bool)
	for _, edge := range g.outgoing[loopNode.ID] {
		if !seen[edge.Target] {
			seen[edge.Target] = true
			targets = append(targets, edge.Target)
		}
	}

	results := make([]any, 0, len(items))
	iterations := 0

	for i, item := range items {
		if rs.isCancelled(ctx) {
			break
		}

		fork := ec.Fork(map[string]any{
			variable:         item,
			sdk.KeyLoopIndex: i,
			sdk.KeyLoopTotal: len(items),
		})
		e.emit(Event{
			Type:       EventLoopIteration,
			RunID:      ec.RunID(),
			WorkflowID: ec.WorkflowID(),
			NodeID:     loopNode.ID,
			Payload:    map[string]any{"index": i, "total": len(items)},
		})

		forkRS := &runState{
			wf:      rs.wf,
			ec:      fork,
			trigger: rs.trigger,
			cancel:  rs.cancel,
		}
		for _, tid := range targets {
			if err := e.executeNode(ctx, forkRS, g.nodes[tid]); err != nil {
				break
			}
		}

		results = append(results, fork.DataSnapshot())
		ec.MergeChild(fork)
		iterations++
	}

	// The targets already ran inside the forks; the parent records them as
	// completed with the aggregate so downstream templates can see it.
	var ready []string
	for _, tid := range targets {
		aggregate := map[string]any{
			"_loopResults": results,
			"iterations":   iterations,
		}
		ec.SetNodeOutput(tid, aggregate)
		ec.SetNodeStatus(tid, sdk.NodeCompleted)
		g.executed[tid] = true
		g.scheduled[tid] = true
		ready = append(ready, e.routeEdges(g, tid, aggregate)...)
	}
	return ready
}

// loopItems coerces the items output into a slice: native slices pass
// through, JSON array strings are parsed, anything else yields no
// iterations.
func loopItems(v any) []any {
	switch items := v.(type) {
	case []any:
		return items
	case string:
		var parsed []any
		if err := json.Unmarshal([]byte(items), &parsed); err == nil {
			return parsed
		}
		return nil
	case nil:
		return nil
	default:
		return nil
	}
}
