package sdk

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var templateIDPattern = regexp.MustCompile(`^template-.+`)

// ValidateID checks the workflow id shape: either a "template-" prefixed
// name or a UUID.
func ValidateID(id string) error {
	if templateIDPattern.MatchString(id) {
		return nil
	}
	if _, err := uuid.Parse(id); err == nil {
		return nil
	}
	return fmt.Errorf("invalid workflow id %q: must be template-* or a uuid", id)
}

// Validate checks structural invariants of a workflow definition:
// id shape, unique node ids, edges referencing existing nodes, no
// self-loops, at least one entry node, and an acyclic graph.
func (w *WorkflowDefinition) Validate() error {
	if err := ValidateID(w.ID); err != nil {
		return err
	}

	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow %s has no nodes", w.ID)
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node with empty id", w.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("workflow %s: node %s has no type", w.ID, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("workflow %s: duplicate node id %s", w.ID, n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range w.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("workflow %s: edge %s references unknown source %s", w.ID, e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("workflow %s: edge %s references unknown target %s", w.ID, e.ID, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("workflow %s: edge %s is a self-loop on %s", w.ID, e.ID, e.Source)
		}
	}

	if len(w.EntryNodes()) == 0 {
		return fmt.Errorf("workflow %s has no entry nodes (no place to start)", w.ID)
	}

	if err := w.checkAcyclic(); err != nil {
		return err
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm; if it cannot drain every node the
// graph contains a cycle.
func (w *WorkflowDefinition) checkAcyclic() error {
	inDegree := make(map[string]int, len(w.Nodes))
	dependents := make(map[string][]string, len(w.Nodes))

	for _, n := range w.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range w.Edges {
		inDegree[e.Target]++
		dependents[e.Source] = append(dependents[e.Source], e.Target)
	}

	queue := make([]string, 0, len(w.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	drained := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		drained++

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if drained != len(w.Nodes) {
		return fmt.Errorf("workflow %s contains a cycle", w.ID)
	}
	return nil
}
