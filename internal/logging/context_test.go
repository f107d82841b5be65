package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", PipelineID(ctx))

	// Set values.
	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithNodeID(ctx, "fetch")
	ctx = WithPipelineID(ctx, "pipe-42")

	// Round-trip.
	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "fetch", NodeID(ctx))
	assert.Equal(t, "pipe-42", PipelineID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithExecutionID(ctx, "exec-abc")
	ctx = WithNodeID(ctx, "notify")
	ctx = WithPipelineID(ctx, "pipe-7")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "node_id=notify")
	assert.Contains(t, output, "pipeline_id=pipe-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only set execution ID; node and pipeline should not appear.
	ctx := WithExecutionID(context.Background(), "exec-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "pipeline_id")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// No correlation IDs, no extra attrs.
	enriched := LogWith(context.Background(), logger)
	enriched.Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "pipeline_id")
	assert.Contains(t, output, "no context")
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "exec-1", "node-2", "pipe-3")
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "node-2", NodeID(ctx))
	assert.Equal(t, "pipe-3", PipelineID(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "exec-auto", "node-auto", "pipe-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"node_id":"node-auto"`)
	assert.Contains(t, output, `"pipeline_id":"pipe-auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "pipeline_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithExecutionID(context.Background(), "exec-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}
