package handler

import (
	"context"

	"github.com/corvid-labs/flume/internal/interp"
	"github.com/corvid-labs/flume/pkg/schema"
)

// AgentInvoker sends a prompt to a named agent and returns its reply.
// Implementations decide the transport (MCP sampling, HTTP, in-process).
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (map[string]any, error)
}

// AgentRequest is a single agent invocation.
type AgentRequest struct {
	AgentID string
	Prompt  string
	Model   string
	Data    map[string]any // expression environment snapshot for context
}

// AgentHandler runs agent nodes by delegating to an AgentInvoker. The prompt
// template is resolved against the execution scope before sending.
type AgentHandler struct {
	invoker AgentInvoker
}

func NewAgentHandler(invoker AgentInvoker) *AgentHandler {
	return &AgentHandler{invoker: invoker}
}

func (h *AgentHandler) Type() schema.NodeType { return schema.NodeAgent }

func (h *AgentHandler) Execute(ctx context.Context, node *schema.Node, hc *Context) (map[string]any, error) {
	var cfg schema.AgentConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.AgentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent node requires agent_id").WithNode(node.ID)
	}
	if h.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerFailure, "no agent invoker configured").WithNode(node.ID)
	}

	out, err := h.invoker.Invoke(ctx, AgentRequest{
		AgentID: cfg.AgentID,
		Prompt:  interp.Resolve(cfg.Prompt, hc.Scope),
		Model:   cfg.Model,
		Data:    exprData(hc.Scope),
	})
	if err != nil {
		if fe, ok := err.(*schema.FlumeError); ok {
			return nil, fe.WithNode(node.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailure,
			"agent %q invocation failed: %s", cfg.AgentID, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
