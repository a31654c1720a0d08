// Package execution holds the per-run state: data, node outputs, statuses,
// retry counts, logs, errors, and the status-event timeline.
package execution

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/supervisor/workflow/resolver"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// Context is the mutable state of one run. All mutation goes through the
// methods; the single mutex keeps the output-then-status-then-event order
// atomic from the scheduler's point of view.
type Context struct {
	mu sync.Mutex

	runID        string
	workflowID   string
	workflowName string
	startedAt    time.Time

	data      map[string]any
	variables map[string]any

	nodeOutputs   map[string]any
	nodeStatuses  map[string]sdk.NodeStatus
	retryAttempts map[string]int

	logs         []sdk.LogEntry
	errors       []sdk.ErrorEntry
	statusEvents []sdk.StatusEvent

	lastLogAt      time.Time
	lastProgressAt time.Time
}

// NewContext creates a run context seeded from the workflow's variables,
// overlaid with the caller's input, plus the reserved identity keys.
func NewContext(wf *sdk.WorkflowDefinition, input map[string]any) *Context {
	data := cloneMap(wf.Variables)
	for k, v := range input {
		data[k] = v
	}
	data[sdk.KeyWorkflowID] = wf.ID
	data[sdk.KeyWorkflowName] = wf.Name

	return &Context{
		runID:         uuid.NewString(),
		workflowID:    wf.ID,
		workflowName:  wf.Name,
		startedAt:     time.Now(),
		data:          data,
		variables:     cloneMap(wf.Variables),
		nodeOutputs:   make(map[string]any),
		nodeStatuses:  make(map[string]sdk.NodeStatus),
		retryAttempts: make(map[string]int),
	}
}

// RunID returns the run's unique id.
func (c *Context) RunID() string { return c.runID }

// WorkflowID returns the id of the workflow being run.
func (c *Context) WorkflowID() string { return c.workflowID }

// WorkflowName returns the name of the workflow being run.
func (c *Context) WorkflowName() string { return c.workflowName }

// StartedAt returns when the run began.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// SetData stores one key in the run data.
func (c *Context) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// GetData reads one key from the run data.
func (c *Context) GetData(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// DataSnapshot returns a shallow copy of the run data.
func (c *Context) DataSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return shallowCopy(c.data)
}

// Variables returns a shallow copy of the workflow variables.
func (c *Context) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return shallowCopy(c.variables)
}

// SetNodeOutput records a handler's return value.
func (c *Context) SetNodeOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = output
}

// NodeOutput reads one node's recorded output.
func (c *Context) NodeOutput(nodeID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.nodeOutputs[nodeID]
	return v, ok
}

// NodeOutputs returns a shallow copy of every recorded output.
func (c *Context) NodeOutputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return shallowCopy(c.nodeOutputs)
}

// SetNodeStatus transitions a node and appends a status event. Every status
// transition counts as run progress for stuck detection.
func (c *Context) SetNodeStatus(nodeID string, status sdk.NodeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.nodeStatuses[nodeID] = status
	c.statusEvents = append(c.statusEvents, sdk.StatusEvent{
		NodeID:    nodeID,
		Status:    status,
		Timestamp: now,
	})
	c.lastProgressAt = now
}

// NodeStatus returns a node's current status, defaulting to pending.
func (c *Context) NodeStatus(nodeID string) sdk.NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.nodeStatuses[nodeID]; ok {
		return s
	}
	return sdk.NodePending
}

// Statuses returns a copy of the status table.
func (c *Context) Statuses() map[string]sdk.NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]sdk.NodeStatus, len(c.nodeStatuses))
	for k, v := range c.nodeStatuses {
		out[k] = v
	}
	return out
}

// IncRetry bumps and returns a node's retry counter.
func (c *Context) IncRetry(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryAttempts[nodeID]++
	return c.retryAttempts[nodeID]
}

// RetryCount returns a node's retry counter.
func (c *Context) RetryCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAttempts[nodeID]
}

// Log appends a log entry at the given level.
func (c *Context) Log(nodeID, message, level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLogLocked(nodeID, message, level)
}

// RecordError appends an error entry and a matching error-level log line.
func (c *Context) RecordError(nodeID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, sdk.ErrorEntry{
		NodeID:    nodeID,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	c.appendLogLocked(nodeID, err.Error(), "error")
}

func (c *Context) appendLogLocked(nodeID, message, level string) {
	now := time.Now()
	c.logs = append(c.logs, sdk.LogEntry{
		NodeID:    nodeID,
		Message:   message,
		Level:     level,
		Timestamp: now,
	})
	c.lastLogAt = now
}

// Errors returns a copy of the recorded errors.
func (c *Context) Errors() []sdk.ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sdk.ErrorEntry(nil), c.errors...)
}

// ErrorCount returns how many errors the run has recorded.
func (c *Context) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// LogCount returns how many log entries the run has recorded.
func (c *Context) LogCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.logs)
}

// LastLogAt returns the timestamp of the most recent log line, zero if none.
func (c *Context) LastLogAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLogAt
}

// LastProgressAt returns the most recent status transition, zero if none.
func (c *Context) LastProgressAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProgressAt
}

// Resolve interpolates templates in a value against run data and node
// outputs. This is the single prescribed interpolation API.
func (c *Context) Resolve(value any) any {
	return resolver.ResolveValue(value, c.DataSnapshot(), c.NodeOutputs())
}

// ResolveConfig interpolates every value of a node config.
func (c *Context) ResolveConfig(config map[string]any) map[string]any {
	return resolver.ResolveConfig(config, c.DataSnapshot(), c.NodeOutputs())
}

// Fork returns an independent context for a loop iteration: data deep-merged
// with the overrides, variables cloned, node outputs shallow-copied. The
// fork shares the parent's run id but none of its mutable state; logs and
// errors flow back only through MergeChild.
func (c *Context) Fork(overrides map[string]any) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Context{
		runID:         c.runID,
		workflowID:    c.workflowID,
		workflowName:  c.workflowName,
		startedAt:     c.startedAt,
		data:          deepMerge(c.data, overrides),
		variables:     cloneMap(c.variables),
		nodeOutputs:   shallowCopy(c.nodeOutputs),
		nodeStatuses:  make(map[string]sdk.NodeStatus),
		retryAttempts: make(map[string]int),
	}
}

// MergeChild folds a fork's logs and errors back into the parent after the
// forked subgraph completes.
func (c *Context) MergeChild(child *Context) {
	child.mu.Lock()
	logs := append([]sdk.LogEntry(nil), child.logs...)
	errs := append([]sdk.ErrorEntry(nil), child.errors...)
	child.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
	c.errors = append(c.errors, errs...)
	if n := len(logs); n > 0 {
		if ts := logs[n-1].Timestamp; ts.After(c.lastLogAt) {
			c.lastLogAt = ts
		}
	}
}

// Counts aggregates node statuses against the workflow's node count.
func (c *Context) Counts(totalNodes int) sdk.RunCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := sdk.RunCounts{Node: totalNodes}
	for _, s := range c.nodeStatuses {
		switch s {
		case sdk.NodeCompleted:
			counts.Completed++
		case sdk.NodeFailed:
			counts.Failed++
		case sdk.NodeSkipped:
			counts.Skipped++
		case sdk.NodeRunning, sdk.NodeWaiting:
			counts.Active++
		}
	}
	return counts
}

// Snapshot renders the persisted run detail.
func (c *Context) Snapshot(status sdk.RunStatus, endedAt *time.Time) *sdk.RunDetail {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make(map[string]sdk.NodeStatus, len(c.nodeStatuses))
	for k, v := range c.nodeStatuses {
		statuses[k] = v
	}
	retries := make(map[string]int, len(c.retryAttempts))
	for k, v := range c.retryAttempts {
		retries[k] = v
	}

	return &sdk.RunDetail{
		RunID:         c.runID,
		WorkflowID:    c.workflowID,
		WorkflowName:  c.workflowName,
		Status:        status,
		StartedAt:     c.startedAt,
		EndedAt:       endedAt,
		Data:          shallowCopy(c.data),
		Variables:     shallowCopy(c.variables),
		NodeOutputs:   shallowCopy(c.nodeOutputs),
		NodeStatuses:  statuses,
		RetryAttempts: retries,
		Logs:          append([]sdk.LogEntry(nil), c.logs...),
		Errors:        append([]sdk.ErrorEntry(nil), c.errors...),
		StatusEvents:  append([]sdk.StatusEvent(nil), c.statusEvents...),
	}
}

// deepMerge merges overrides into base with JSON merge-patch semantics,
// falling back to a shallow overlay when either side fails to serialize.
func deepMerge(base, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return cloneMap(base)
	}

	baseJSON, err := json.Marshal(base)
	if err == nil {
		patchJSON, err := json.Marshal(overrides)
		if err == nil {
			merged, err := jsonpatch.MergePatch(baseJSON, patchJSON)
			if err == nil {
				var out map[string]any
				if json.Unmarshal(merged, &out) == nil {
					return out
				}
			}
		}
	}

	out := cloneMap(base)
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// cloneMap deep-copies a map through JSON. Values that cannot serialize are
// carried over by reference.
func cloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return make(map[string]any)
	}
	raw, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(raw, &out) == nil {
			return out
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String implements fmt.Stringer for debug logging.
func (c *Context) String() string {
	return fmt.Sprintf("run %s (workflow %s)", c.runID, c.workflowID)
}
