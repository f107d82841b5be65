package handler

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/corvid-labs/flume/pkg/schema"
)

// TransformHandler reshapes execution data with jq or expr expressions.
// Thread-safe: compiled programs for both engines are cached and reused.
type TransformHandler struct {
	jqMu    sync.RWMutex
	jqCache map[string]*gojq.Code

	exprMu    sync.RWMutex
	exprCache map[string]*vm.Program
}

func NewTransformHandler() *TransformHandler {
	return &TransformHandler{
		jqCache:   make(map[string]*gojq.Code),
		exprCache: make(map[string]*vm.Program),
	}
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTransform }

func (h *TransformHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.TransformConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty transform expression").WithNode(node.ID)
	}

	data := exprData(hc.Scope)

	var (
		result any
		err    error
	)
	switch cfg.Engine {
	case "", "jq":
		result, err = h.evalJQ(ctx, cfg.Expression, data)
	case "expr":
		result, err = h.evalExpr(cfg.Expression, data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown transform engine %q", cfg.Engine).WithNode(node.ID)
	}
	if err != nil {
		if fe, ok := err.(*schema.FlumeError); ok {
			return nil, fe.WithNode(node.ID)
		}
		return nil, err
	}

	// Object results become the node output directly; everything else is
	// wrapped so downstream references have a key to address.
	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": result}, nil
}

func (h *TransformHandler) evalJQ(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := h.getOrCompileJQ(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (h *TransformHandler) getOrCompileJQ(expression string) (*gojq.Code, error) {
	h.jqMu.RLock()
	if code, ok := h.jqCache[expression]; ok {
		h.jqMu.RUnlock()
		return code, nil
	}
	h.jqMu.RUnlock()

	h.jqMu.Lock()
	defer h.jqMu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := h.jqCache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	h.jqCache[expression] = code
	return code, nil
}

func (h *TransformHandler) evalExpr(expression string, data map[string]any) (any, error) {
	prg, err := h.getOrCompileExpr(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (h *TransformHandler) getOrCompileExpr(expression string, data map[string]any) (*vm.Program, error) {
	h.exprMu.RLock()
	if prg, ok := h.exprCache[expression]; ok {
		h.exprMu.RUnlock()
		return prg, nil
	}
	h.exprMu.RUnlock()

	h.exprMu.Lock()
	defer h.exprMu.Unlock()

	if prg, ok := h.exprCache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(data),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	h.exprCache[expression] = prg
	return prg, nil
}
