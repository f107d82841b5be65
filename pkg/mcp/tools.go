package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
)

// handleRun executes a stored pipeline synchronously. The call returns
// when the execution reaches a terminal status or suspends.
func (s *FlumeServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	startNode := req.GetString("start_node", "")

	def, defErr := s.store.GetDefinition(ctx, pipelineID)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", defErr)), nil
	}

	exec, runErr := s.engine.Run(ctx, &def.Definition, input, engine.StartOptions{StartNode: startNode})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline execution failed: %v", runErr)), nil
	}

	return marshalResult(exec)
}

// handleStatus returns the snapshot of an execution.
func (s *FlumeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snapshot, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(snapshot)
}

// handleApprove resolves a pending approval suspension.
func (s *FlumeServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if action != "approve" && action != "reject" {
		return mcp.NewToolResultError("action must be approve or reject"), nil
	}

	exec, appErr := s.dispatcher.ResumeByApproval(ctx, executionID, dispatch.ApprovalDecision{
		Approved: action == "approve",
		Approver: req.GetString("approver", ""),
		Comment:  req.GetString("comment", ""),
		Data:     mcp.ParseStringMap(req, "data", nil),
	})
	if appErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", appErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"action":       action,
		"status":       exec.Status,
	})
}

// handleCancel aborts a non-terminal execution.
func (s *FlumeServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.engine.Cancel(ctx, executionID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"cancelled":    true,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
