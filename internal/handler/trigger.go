package handler

import (
	"context"
	"time"

	"github.com/corvid-labs/flume/pkg/schema"
)

// TriggerHandler records the run input as the trigger node's output so
// downstream nodes can reference it as {{trigger.*}}.
type TriggerHandler struct{}

func NewTriggerHandler() *TriggerHandler { return &TriggerHandler{} }

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTrigger }

func (h *TriggerHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.TriggerConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	kind := cfg.Kind
	if kind == "" {
		kind = "manual"
	}

	out := make(map[string]any, len(hc.Scope.Input)+2)
	for k, v := range hc.Scope.Input {
		out[k] = v
	}
	out["kind"] = kind
	out["fired_at"] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}
