// Package services declares the capability interfaces built-in node
// handlers consume. The engine treats each as an opaque collaborator; real
// adapters (kanban backend, git, agent SDKs, Telegram) are wired in by the
// daemon bootstrap, and tests substitute fakes.
package services

import (
	"context"
	"time"
)

// Task is one kanban card.
type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID string
	Status    string
	Assignee  string
}

// Kanban is the task-board backend.
type Kanban interface {
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	CreateTask(ctx context.Context, projectID string, task Task) (string, error)
	UpdateTask(ctx context.Context, id string, patch map[string]any) (*Task, error)
	ArchiveTask(ctx context.Context, id string) error
}

// Git wraps repository operations. The engine never shells out itself.
type Git interface {
	CurrentBranch(ctx context.Context, path string) (string, error)
	HasPendingChanges(ctx context.Context, path string) (bool, error)
	Push(ctx context.Context, path, branch string) error
	Checkout(ctx context.Context, path, branch string) error
	CreateBranch(ctx context.Context, path, name string) error
	NewCommits(ctx context.Context, path, sinceRef string) ([]string, error)
}

// Worktree is one checked-out working copy.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Worktrees manages the worktree pool.
type Worktrees interface {
	Acquire(ctx context.Context, branch string) (*Worktree, error)
	Release(ctx context.Context, path string) error
	List(ctx context.Context) ([]Worktree, error)
}

// AgentEvent is a progress callback from a running agent thread.
type AgentEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// AgentResult is the outcome of one agent invocation.
type AgentResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// AgentPool launches and continues coding-agent sessions.
type AgentPool interface {
	LaunchEphemeralThread(ctx context.Context, prompt, cwd string, timeout time.Duration, onEvent func(AgentEvent)) (*AgentResult, error)
	ExecWithRetry(ctx context.Context, command, cwd string, timeout time.Duration) (*AgentResult, error)
	ContinueSession(ctx context.Context, sessionID, prompt string) (*AgentResult, error)
}

// Claims arbitrates exclusive task ownership between agents.
type Claims interface {
	Claim(ctx context.Context, taskID, agentID string) (token string, err error)
	Release(ctx context.Context, taskID string) error
	IsClaimed(ctx context.Context, taskID string) (bool, error)
}

// Telegram sends operator notifications.
type Telegram interface {
	Send(ctx context.Context, message string) error
}

// ConfigSource exposes key lookups with a fallback, for handlers that read
// operator settings (executor selection, slot capacities).
type ConfigSource interface {
	Get(key, fallback string) string
}

// Registry bundles every capability handed to node handlers. Nil fields mean
// the collaborator is not wired; handlers report that as a node failure.
type Registry struct {
	Kanban    Kanban
	Git       Git
	Worktrees Worktrees
	AgentPool AgentPool
	Claims    Claims
	Telegram  Telegram
	Config    ConfigSource
	Slots     *SlotPool
}

// NewRegistry returns a registry with only the in-process collaborators
// (the slot pool) populated.
func NewRegistry() *Registry {
	return &Registry{
		Slots: NewSlotPool(),
	}
}

// MapConfig is a ConfigSource over a plain map. Used by the daemon for
// static settings and by tests.
type MapConfig map[string]string

// Get returns the configured value or the fallback.
func (m MapConfig) Get(key, fallback string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return fallback
}
