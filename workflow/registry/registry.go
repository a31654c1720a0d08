// Package registry is the process-wide mapping from node-type identifier to
// handler. It is populated once from the built-in node pack before any run
// starts; extension packs may re-register types, which replaces the handler
// without affecting runs already in flight.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lyzr/supervisor/common/config"
	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// Engine is the slice of the workflow engine visible to node handlers:
// enough to dispatch sub-workflows and reach the service registry, nothing
// that would let a handler drive the scheduler directly.
type Engine interface {
	// ExecuteWorkflow runs a workflow synchronously and returns its result.
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*sdk.RunResult, error)

	// DispatchWorkflow enqueues a workflow run and returns its run id
	// without waiting for completion.
	DispatchWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error)

	// Services returns the capability registry.
	Services() *services.Registry

	// Config returns the engine configuration.
	Config() *config.Config
}

// ExecuteFunc runs one node. The node's config arrives already resolved;
// the returned map becomes the node's recorded output.
type ExecuteFunc func(ctx context.Context, node *sdk.Node, ec *execution.Context, eng Engine) (map[string]any, error)

// Registration is one node-type handler: execute plus optional schema (a
// JSON-schema-flavored mapping for the builder UI) and a one-line summary.
type Registration struct {
	Type     string
	Execute  ExecuteFunc
	Schema   map[string]any
	Describe string
}

// NodeType is one listing entry, tagged with its category (the prefix
// before the first dot of the type identifier).
type NodeType struct {
	Type     string         `json:"type"`
	Category string         `json:"category"`
	Describe string         `json:"describe,omitempty"`
	Schema   map[string]any `json:"schema,omitempty"`
}

// Registry maps node-type identifiers to handlers. Reads vastly outnumber
// writes, so it is guarded by a single-writer/many-reader lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Registration),
	}
}

// Register adds or replaces a handler keyed by its type string.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reg.Type] = reg
}

// Get returns the handler for a node type.
func (r *Registry) Get(nodeType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[nodeType]
	return reg, ok
}

// Has reports whether a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}

// ListNodeTypes returns every registration sorted by type, tagged with its
// category.
func (r *Registry) ListNodeTypes() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeType, 0, len(r.handlers))
	for _, reg := range r.handlers {
		category := reg.Type
		if i := strings.IndexByte(reg.Type, '.'); i > 0 {
			category = reg.Type[:i]
		}
		out = append(out, NodeType{
			Type:     reg.Type,
			Category: category,
			Describe: reg.Describe,
			Schema:   reg.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
