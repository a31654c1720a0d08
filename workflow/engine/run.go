package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lyzr/supervisor/workflow/condition"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// runGraph is the scheduler's view of one run: the static shape plus the
// mutable frontier bookkeeping. Routing mutates it sequentially between
// batches; node handlers never see it.
type runGraph struct {
	rs       *runState
	nodes    map[string]*sdk.Node
	outgoing map[string][]sdk.Edge
	inDegree map[string]int

	// executed marks nodes that reached a terminal status; scheduled marks
	// nodes already placed on the frontier so a diamond cannot enqueue a
	// join twice.
	executed  map[string]bool
	scheduled map[string]bool
}

func newRunGraph(rs *runState) *runGraph {
	g := &runGraph{
		rs:        rs,
		nodes:     make(map[string]*sdk.Node, len(rs.wf.Nodes)),
		outgoing:  make(map[string][]sdk.Edge, len(rs.wf.Nodes)),
		inDegree:  make(map[string]int, len(rs.wf.Nodes)),
		executed:  make(map[string]bool, len(rs.wf.Nodes)),
		scheduled: make(map[string]bool, len(rs.wf.Nodes)),
	}
	for i := range rs.wf.Nodes {
		n := &rs.wf.Nodes[i]
		g.nodes[n.ID] = n
	}
	for _, e := range rs.wf.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.inDegree[e.Target]++
	}
	return g
}

// run executes one prepared run to completion and returns its result. The
// result is always non-nil; setup failures surface as a failed run.
func (e *Engine) run(ctx context.Context, rs *runState) *sdk.RunResult {
	ec := rs.ec
	log := e.log.WithRunID(ec.RunID()).WithWorkflowID(rs.wf.ID)

	e.mu.Lock()
	e.running[ec.RunID()] = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, ec.RunID())
		e.mu.Unlock()
	}()

	e.archive.Track(ec, len(rs.wf.Nodes), rs.trigger)
	e.emit(Event{Type: EventWorkflowStart, RunID: ec.RunID(), WorkflowID: rs.wf.ID})
	log.Info("workflow started", "workflow_name", rs.wf.Name, "nodes", len(rs.wf.Nodes))

	g := newRunGraph(rs)

	var frontier []string
	for _, n := range rs.wf.EntryNodes() {
		frontier = append(frontier, n.ID)
		g.scheduled[n.ID] = true
	}

	aborted := false
	if len(frontier) == 0 {
		ec.RecordError("", errors.New("workflow has no entry nodes"))
		aborted = true
	}

	for len(frontier) > 0 && !aborted && !rs.isCancelled(ctx) {
		batch := frontier
		if len(batch) > e.cfg.MaxConcurrentBranches {
			batch = frontier[:e.cfg.MaxConcurrentBranches]
		}
		frontier = append([]string(nil), frontier[len(batch):]...)

		hardErrs := e.executeBatch(ctx, rs, g, batch)

		// Routing is sequential: handlers ran concurrently above, but the
		// frontier and in-degree tables are only touched here.
		for i, id := range batch {
			g.executed[id] = true
			if hardErrs[i] != nil {
				log.Error("node failed, aborting run", "node_id", id, "error", hardErrs[i])
				aborted = true
				continue
			}
			frontier = append(frontier, e.route(ctx, g, id)...)
		}
	}

	cancelled := rs.isCancelled(ctx)

	// Nodes never reached stay pending until now; a terminal snapshot has no
	// pending nodes.
	for id := range g.nodes {
		if !g.executed[id] && ec.NodeStatus(id) == sdk.NodePending {
			ec.SetNodeStatus(id, sdk.NodeSkipped)
		}
	}

	status := sdk.RunCompleted
	switch {
	case cancelled:
		status = sdk.RunCancelled
	case ec.ErrorCount() > 0:
		status = sdk.RunFailed
	}

	endedAt := time.Now()
	e.archive.Finalize(ec, status, endedAt)
	e.emit(Event{
		Type:       EventWorkflowComplete,
		RunID:      ec.RunID(),
		WorkflowID: rs.wf.ID,
		Payload:    map[string]any{"status": string(status), "errors": ec.ErrorCount()},
	})
	log.Info("workflow finished",
		"status", status,
		"duration_ms", endedAt.Sub(ec.StartedAt()).Milliseconds(),
		"errors", ec.ErrorCount())

	return &sdk.RunResult{
		RunID:       ec.RunID(),
		WorkflowID:  rs.wf.ID,
		Status:      status,
		Output:      ec.DataSnapshot(),
		NodeOutputs: ec.NodeOutputs(),
		Errors:      ec.Errors(),
	}
}

// executeBatch runs a frontier slice concurrently and returns the hard error
// (nil for success or a continueOnError failure) per node, index-aligned
// with the batch.
func (e *Engine) executeBatch(ctx context.Context, rs *runState, g *runGraph, batch []string) []error {
	hardErrs := make([]error, len(batch))
	if len(batch) == 1 {
		hardErrs[0] = e.executeNode(ctx, rs, g.nodes[batch[0]])
		return hardErrs
	}

	var wg sync.WaitGroup
	for i, id := range batch {
		wg.Add(1)
		go func(i int, node *sdk.Node) {
			defer wg.Done()
			hardErrs[i] = e.executeNode(ctx, rs, node)
		}(i, g.nodes[id])
	}
	wg.Wait()
	return hardErrs
}

// route inspects a completed node's outgoing edges and returns newly ready
// node ids. Loop nodes fan out instead of routing normally.
func (e *Engine) route(ctx context.Context, g *runGraph, nodeID string) []string {
	ec := g.rs.ec
	node := g.nodes[nodeID]
	out, _ := ec.NodeOutput(nodeID)
	outMap, _ := out.(map[string]any)

	if node.Type == "loop.for_each" {
		if _, ok := outMap["items"]; ok {
			return e.fanOutLoop(ctx, g, node, outMap)
		}
	}

	return e.routeEdges(g, nodeID, outMap)
}

// routeEdges applies port and condition gating to a node's outgoing edges
// and decrements target in-degrees for the edges that pass.
func (e *Engine) routeEdges(g *runGraph, nodeID string, outMap map[string]any) []string {
	ec := g.rs.ec

	port, routed := matchedPort(outMap)

	var ready []string
	for _, edge := range g.outgoing[nodeID] {
		// A routed output only activates edges on the matched port; edges on
		// other ports are ignored outright, leaving their targets pending.
		if routed && edge.Port() != port {
			continue
		}

		if edge.Condition != "" && !e.edgeConditionPasses(g, nodeID, edge.Condition, outMap) {
			if !g.executed[edge.Target] {
				ec.SetNodeStatus(edge.Target, sdk.NodeSkipped)
				g.executed[edge.Target] = true
			}
			continue
		}

		g.inDegree[edge.Target]--
		if g.inDegree[edge.Target] <= 0 && !g.executed[edge.Target] && !g.scheduled[edge.Target] {
			g.scheduled[edge.Target] = true
			ready = append(ready, edge.Target)
		}
	}
	return ready
}

// edgeConditionPasses resolves templates in the condition, then evaluates
// it against the source node's output. Unparsable or erroring conditions
// fail closed.
func (e *Engine) edgeConditionPasses(g *runGraph, sourceID, cond string, outMap map[string]any) bool {
	ec := g.rs.ec

	resolved := ec.Resolve(cond)
	switch v := resolved.(type) {
	case bool:
		return v
	case string:
		return e.eval.EvaluateBool(v, condition.Bindings{
			Output:  outMap,
			Data:    ec.DataSnapshot(),
			Status:  string(ec.NodeStatus(sourceID)),
			Outputs: ec.NodeOutputs(),
		})
	default:
		return false
	}
}

// matchedPort returns the port a node routed its output to, if any. A
// matchedPort field wins over port.
func matchedPort(outMap map[string]any) (string, bool) {
	if outMap == nil {
		return "", false
	}
	if p, ok := outMap["matchedPort"].(string); ok && p != "" {
		return p, true
	}
	if p, ok := outMap["port"].(string); ok && p != "" {
		return p, true
	}
	return "", false
}
