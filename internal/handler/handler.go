// Package handler contains the node handlers the engine dispatches to while
// stepping through a pipeline. Suspending node types (human-approval,
// webhook-wait) are handled by the engine itself and have no handler here.
package handler

import (
	"context"
	"sync"

	"github.com/corvid-labs/flume/internal/interp"
	"github.com/corvid-labs/flume/pkg/schema"
)

// Context carries per-execution data into a handler invocation.
type Context struct {
	ExecutionID string
	PipelineID  string
	Scope       *interp.Scope
}

// Handler executes one node type. Implementations must be safe for
// concurrent use; the engine may run many executions at once.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error)
}

// Registry maps node types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds a handler. Returns an error on duplicate node type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	typ := h.Type()
	if !schema.ValidNodeTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler declares unknown node type %q", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for node type %q already registered", typ)
	}
	r.handlers[typ] = h
	return nil
}

// Dispatch runs the handler for the node's type. A missing handler is a
// terminal failure for the execution.
func (r *Registry) Dispatch(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[node.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"no handler registered for node type %q", node.Type).WithNode(node.ID)
	}
	return h.Execute(ctx, node, hc)
}

// Has reports whether a handler is registered for the type.
func (r *Registry) Has(typ schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typ]
	return ok
}

// exprData builds the environment exposed to condition and transform
// expressions from the execution scope.
func exprData(scope *interp.Scope) map[string]any {
	data := map[string]any{
		"input":                 map[string]any{},
		"trigger":               map[string]any{},
		schema.ResumePayloadKey: map[string]any{},
		"nodes":                 map[string]any{},
	}
	if scope == nil {
		return data
	}
	if scope.Input != nil {
		data["input"] = scope.Input
	}
	if scope.Trigger != nil {
		data["trigger"] = scope.Trigger
	}
	if scope.Resume != nil {
		data[schema.ResumePayloadKey] = scope.Resume
	}
	nodes := make(map[string]any, len(scope.Outputs))
	for id, out := range scope.Outputs {
		nodes[id] = out
	}
	data["nodes"] = nodes
	return data
}
