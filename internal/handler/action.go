package handler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/corvid-labs/flume/internal/interp"
	"github.com/corvid-labs/flume/pkg/schema"
)

// Action is a named unit of work an action node can invoke.
type Action interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ActionSet is a thread-safe lookup of available actions.
type ActionSet struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionSet creates an empty ActionSet.
func NewActionSet() *ActionSet {
	return &ActionSet{actions: make(map[string]Action)}
}

// Register adds an action. Returns an error on duplicate name.
func (s *ActionSet) Register(a Action) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := a.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	s.actions[name] = a
	return nil
}

// Get retrieves an action by name.
func (s *ActionSet) Get(name string) (Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return a, nil
}

// Names returns the registered action names, sorted.
func (s *ActionSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionHandler runs action nodes. Params are interpolated against the
// execution scope before dispatch. Retries and circuit breaking happen here;
// the engine above never retries a node.
type ActionHandler struct {
	actions  *ActionSet
	breakers *BreakerRegistry
}

func NewActionHandler(actions *ActionSet, breakers *BreakerRegistry) *ActionHandler {
	return &ActionHandler{actions: actions, breakers: breakers}
}

func (h *ActionHandler) Type() schema.NodeType { return schema.NodeAction }

func (h *ActionHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.ActionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action node requires an action name").WithNode(node.ID)
	}

	action, err := h.actions.Get(cfg.Action)
	if err != nil {
		return nil, err.(*schema.FlumeError).WithNode(node.ID)
	}

	params, err := h.resolveParams(cfg.Params, hc.Scope)
	if err != nil {
		return nil, err
	}

	maxAttempts := 1
	if cfg.Retry != nil && cfg.Retry.Max > 0 {
		maxAttempts = cfg.Retry.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitForBackoff(ctx, computeBackoff(cfg.Retry, attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").
					WithNode(node.ID).WithCause(err)
			}
		}

		if h.breakers != nil {
			if err := h.breakers.AllowRequest(cfg.Action); err != nil {
				return nil, err.(*schema.FlumeError).WithNode(node.ID)
			}
		}

		out, err := action.Execute(ctx, params)
		if err == nil {
			if h.breakers != nil {
				h.breakers.RecordSuccess(cfg.Action)
			}
			if out == nil {
				out = map[string]any{}
			}
			return out, nil
		}

		if h.breakers != nil {
			h.breakers.RecordFailure(cfg.Action)
		}
		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	if maxAttempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"action %q failed after %d attempts: %s", cfg.Action, maxAttempts, lastErr.Error()).
			WithNode(node.ID).WithCause(lastErr)
	}
	if fe, ok := lastErr.(*schema.FlumeError); ok {
		return nil, fe.WithNode(node.ID)
	}
	return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
		"action %q failed: %s", cfg.Action, lastErr.Error()).
		WithNode(node.ID).WithCause(lastErr)
}

func (h *ActionHandler) resolveParams(raw json.RawMessage, scope *interp.Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	resolved, err := interp.ResolveRaw(raw, scope)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if err := json.Unmarshal(resolved, &params); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action params must be a JSON object").WithCause(err)
	}
	return params, nil
}
