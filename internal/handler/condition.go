package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/corvid-labs/flume/pkg/schema"
)

// ConditionHandler evaluates CEL expressions for condition nodes. The result
// decides which branch the engine follows.
// Thread-safe: compiled programs are cached and reused across goroutines.
type ConditionHandler struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionHandler creates a ConditionHandler with a sandboxed CEL
// environment. Four top-level variables are exposed:
//   - input:   map(string, dyn): run input
//   - trigger: map(string, dyn): trigger node output
//   - nodes:   map(string, dyn): node outputs keyed by node ID
//   - resume:  map(string, dyn): resume payload, empty until resumption
func NewConditionHandler() (*ConditionHandler, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("input", mapType),
		cel.Variable("trigger", mapType),
		cel.Variable("nodes", mapType),
		cel.Variable(schema.ResumePayloadKey, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &ConditionHandler{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (h *ConditionHandler) Type() schema.NodeType { return schema.NodeCondition }

func (h *ConditionHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.ConditionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression").WithNode(node.ID)
	}

	prg, err := h.getOrCompile(cfg.Expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(exprData(hc.Scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
			"condition evaluation failed for %q: %s", cfg.Expression, err.Error()).
			WithNode(node.ID).WithCause(err).
			WithDetails(map[string]any{"expression": cfg.Expression})
	}

	result, ok := out.Value().(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
			"condition %q did not produce a boolean (got %T)", cfg.Expression, out.Value()).
			WithNode(node.ID).
			WithDetails(map[string]any{"expression": cfg.Expression})
	}

	return map[string]any{"result": result}, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (h *ConditionHandler) getOrCompile(expression string) (cel.Program, error) {
	h.mu.RLock()
	if prg, ok := h.cache[expression]; ok {
		h.mu.RUnlock()
		return prg, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := h.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := h.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := h.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	h.cache[expression] = prg
	return prg, nil
}
