package logging

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// Correlation identifies the execution work a context belongs to. It travels
// as one context value so stamping a second ID does not grow the context
// chain.
type Correlation struct {
	ExecutionID string
	NodeID      string
	PipelineID  string
}

func fromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(ctxKey{}).(Correlation)
	return c
}

func (c Correlation) attrs() []slog.Attr {
	var attrs []slog.Attr
	if c.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", c.ExecutionID))
	}
	if c.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", c.NodeID))
	}
	if c.PipelineID != "" {
		attrs = append(attrs, slog.String("pipeline_id", c.PipelineID))
	}
	return attrs
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.ExecutionID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.NodeID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithPipelineID returns a context with the pipeline ID set.
func WithPipelineID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.PipelineID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, executionID, nodeID, pipelineID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Correlation{
		ExecutionID: executionID,
		NodeID:      nodeID,
		PipelineID:  pipelineID,
	})
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	return fromContext(ctx).ExecutionID
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	return fromContext(ctx).NodeID
}

// PipelineID extracts the pipeline ID from the context, or "" if absent.
func PipelineID(ctx context.Context) string {
	return fromContext(ctx).PipelineID
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := fromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler wraps an slog.Handler, injecting the context's
// correlation IDs into every log record. Use with
// slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := fromContext(ctx).attrs(); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
