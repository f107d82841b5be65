package handler

import (
	"context"
	"time"

	"github.com/corvid-labs/flume/pkg/schema"
)

// DelayHandler blocks the execution for a fixed duration. Cancellation of the
// context aborts the wait.
type DelayHandler struct {
	// clock allows tests to skip real waiting; nil means time.After.
	clock func(d time.Duration) <-chan time.Time
}

func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

func (h *DelayHandler) Type() schema.NodeType { return schema.NodeDelay }

func (h *DelayHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.DelayConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid delay duration %q: %s", cfg.Duration, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	if d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"negative delay duration %q", cfg.Duration).WithNode(node.ID)
	}

	after := h.clock
	if after == nil {
		after = time.After
	}

	if d > 0 {
		select {
		case <-after(d):
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").
				WithNode(node.ID).WithCause(ctx.Err())
		}
	}

	return map[string]any{"waited": d.String()}, nil
}
