package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// handleSavePipeline validates and stores a pipeline definition.
func (s *Server) handleSavePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def schema.PipelineDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if def.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	result := s.deps.Engine.Validator().Validate(&def)
	if !result.Valid() {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	now := time.Now().UTC()
	record := &store.Definition{
		ID:         def.ID,
		Name:       def.Name,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.SaveDefinition(ctx, record); err != nil {
		writeFlumeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       def.ID,
		"warnings": result.Warnings,
	})
}

// handleListPipelines lists stored definitions.
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Store.ListDefinitions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// handleGetPipeline fetches one definition by ID.
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleDeletePipeline removes a definition.
func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteDefinition(r.Context(), r.PathValue("id")); err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

// handleStartExecution starts an execution of a stored pipeline. The run
// happens on the engine's worker pool; the response carries the pending
// execution record.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	def, err := s.deps.Store.GetDefinition(ctx, r.PathValue("id"))
	if err != nil {
		writeFlumeError(w, err)
		return
	}

	var body struct {
		Input     map[string]any `json:"input"`
		StartNode string         `json:"start_node"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	exec, err := s.deps.Engine.Start(ctx, &def.Definition, body.Input, engine.StartOptions{
		StartNode: body.StartNode,
	})
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// handleListExecutions lists executions, optionally filtered.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		PipelineID: r.URL.Query().Get("pipeline_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleGetExecution returns an execution snapshot with its node log,
// events and open suspension.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleApproval resolves a pending approval suspension.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := r.PathValue("id")

	var body struct {
		Action   string         `json:"action"` // approve | reject
		Approver string         `json:"approver"`
		Comment  string         `json:"comment"`
		Data     map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var approved bool
	switch body.Action {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		writeError(w, http.StatusBadRequest, `action must be "approve" or "reject"`)
		return
	}

	exec, err := s.deps.Dispatcher.ResumeByApproval(ctx, executionID, dispatch.ApprovalDecision{
		Approved: approved,
		Approver: body.Approver,
		Comment:  body.Comment,
		Data:     body.Data,
	})
	if err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleCancelExecution cancels a non-terminal execution.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.deps.Engine.Cancel(r.Context(), executionID, body.Reason); err != nil {
		writeFlumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": executionID})
}
