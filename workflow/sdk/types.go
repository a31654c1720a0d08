package sdk

import (
	"strings"
	"time"
)

// WorkflowDefinition is one stored workflow document. Definitions are never
// mutated in place during a run; the engine works on the loaded copy.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Trigger     string         `json:"trigger,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Variables   map[string]any `json:"variables,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// Metadata carries authorship and versioning for a workflow document.
// Version is a monotonic integer bumped on each save.
type Metadata struct {
	Author        string    `json:"author,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Replaces      string    `json:"replaces,omitempty"`
	TemplateState string    `json:"templateState,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
	Version       int       `json:"version"`
}

// IsEnabled reports whether the workflow participates in trigger evaluation.
// Missing means enabled.
func (w *WorkflowDefinition) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// EntryNodes returns the nodes with no incoming edges.
func (w *WorkflowDefinition) EntryNodes() []Node {
	incoming := make(map[string]bool, len(w.Edges))
	for _, e := range w.Edges {
		incoming[e.Target] = true
	}
	var entries []Node
	for _, n := range w.Nodes {
		if !incoming[n.ID] {
			entries = append(entries, n)
		}
	}
	return entries
}

// NodeByID returns the node with the given id, or nil.
func (w *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Node is a typed unit of work. Type is a dotted identifier, category "."
// subtype (e.g. "trigger.event", "action.run_agent"). Config values may be
// literals or {{path}} templates; the scheduler additionally consumes the
// reserved config keys maxRetries, retryDelayMs, retryable, timeout,
// timeoutMs and continueOnError.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Label    string         `json:"label,omitempty"`
	Position Position       `json:"position,omitempty"`
	Config   map[string]any `json:"config,omitempty"`

	// Node-level deadline overrides, consulted after the config-level ones.
	Timeout   int64 `json:"timeout,omitempty"`
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Category returns the prefix before the first dot of the node type.
func (n *Node) Category() string {
	if i := strings.IndexByte(n.Type, '.'); i > 0 {
		return n.Type[:i]
	}
	return n.Type
}

// Position is advisory builder-UI placement.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultSourcePort is the port edges use when none is declared.
const DefaultSourcePort = "default"

// Edge is a directed connection between two nodes, optionally gated by a
// source port and/or a condition expression.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort,omitempty"`
	Condition  string `json:"condition,omitempty"`
}

// Port returns the edge's source port, defaulting to "default".
func (e *Edge) Port() string {
	if e.SourcePort == "" {
		return DefaultSourcePort
	}
	return e.SourcePort
}

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeWaiting   NodeStatus = "waiting"
)

// Terminal reports whether the status is one a node never leaves.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunPaused    RunStatus = "paused"
)

// LogEntry is one appended log line in a run.
type LogEntry struct {
	NodeID    string    `json:"nodeId,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEntry records one node failure in a run.
type ErrorEntry struct {
	NodeID    string    `json:"nodeId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is one entry in the totally-ordered status timeline.
type StatusEvent struct {
	NodeID    string     `json:"nodeId"`
	Status    NodeStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// RunCounts aggregates node statuses for a summary.
type RunCounts struct {
	Node      int `json:"node"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Active    int `json:"active"`
}

// RunSummary is one persisted index entry per run.
type RunSummary struct {
	RunID            string     `json:"runId"`
	WorkflowID       string     `json:"workflowId"`
	WorkflowName     string     `json:"workflowName"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt"`
	Duration         int64      `json:"duration"`
	Status           RunStatus  `json:"status"`
	Counts           RunCounts  `json:"counts"`
	ErrorCount       int        `json:"errorCount"`
	LogCount         int        `json:"logCount"`
	LastLogAt        *time.Time `json:"lastLogAt,omitempty"`
	LastProgressAt   *time.Time `json:"lastProgressAt,omitempty"`
	IsStuck          bool       `json:"isStuck"`
	StuckMs          int64      `json:"stuckMs"`
	StuckThresholdMs int64      `json:"stuckThresholdMs"`
	TriggerEvent     string     `json:"triggerEvent,omitempty"`
	TriggerSource    string     `json:"triggerSource,omitempty"`
	TriggeredBy      string     `json:"triggeredBy,omitempty"`
}

// RunDetail is the complete persisted payload of one run.
type RunDetail struct {
	RunID         string                `json:"runId"`
	WorkflowID    string                `json:"workflowId"`
	WorkflowName  string                `json:"workflowName"`
	Status        RunStatus             `json:"status"`
	StartedAt     time.Time             `json:"startedAt"`
	EndedAt       *time.Time            `json:"endedAt"`
	Data          map[string]any        `json:"data"`
	Variables     map[string]any        `json:"variables"`
	NodeOutputs   map[string]any        `json:"nodeOutputs"`
	NodeStatuses  map[string]NodeStatus `json:"nodeStatuses"`
	RetryAttempts map[string]int        `json:"retryAttempts"`
	Logs          []LogEntry            `json:"logs"`
	Errors        []ErrorEntry          `json:"errors"`
	StatusEvents  []StatusEvent         `json:"nodeStatusEvents"`
}

// RunResult is what the engine hands back for a finished run.
type RunResult struct {
	RunID       string         `json:"runId"`
	WorkflowID  string         `json:"workflowId"`
	Status      RunStatus      `json:"status"`
	Output      map[string]any `json:"output"`
	NodeOutputs map[string]any `json:"nodeOutputs"`
	Errors      []ErrorEntry   `json:"errors"`
}

// Reserved context data keys.
const (
	KeyWorkflowID   = "_workflowId"
	KeyWorkflowName = "_workflowName"
	KeyAncestry     = "_ancestry"
	KeyLoopIndex    = "_loopIndex"
	KeyLoopTotal    = "_loopTotal"
	KeyEventType    = "_eventType"
	KeyEvent        = "_event"
)
