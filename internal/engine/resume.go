package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corvid-labs/flume/internal/graph"
	"github.com/corvid-labs/flume/internal/interp"
	"github.com/corvid-labs/flume/internal/logging"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// ResumeState carries everything Continue needs after a suspension has been
// consumed, so callers can acknowledge the resume signal before the rest of
// the pipeline runs.
type ResumeState struct {
	Execution  *store.Execution
	Definition *schema.PipelineDefinition
	NodeID     string
	Payload    map[string]any
}

// BeginResume consumes a suspension token and moves its execution back to
// running. The consume is atomic: for any token at most one caller ever gets
// a non-error result, concurrent attempts fail with RESUME_REJECTED.
//
// The suspended node's completed log entry is appended here, with the resume
// payload as its output. The caller then runs Continue to step the rest of
// the graph.
func (e *Engine) BeginResume(ctx context.Context, token string, payload map[string]any) (*ResumeState, error) {
	susp, err := e.store.GetSuspension(ctx, token)
	if err != nil {
		return nil, err
	}

	ok, err := e.store.ConsumeSuspension(ctx, token, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeResumeRejected, "suspension already consumed or expired").
			WithDetails(map[string]any{"execution_id": susp.ExecutionID, "node_id": susp.NodeID})
	}

	exec, err := e.store.GetExecution(ctx, susp.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution in status %s", exec.Status)
	}

	defRecord, err := e.store.GetDefinition(ctx, exec.PipelineID)
	if err != nil {
		return nil, err
	}
	def := &defRecord.Definition

	ctx = logging.WithIDs(ctx, exec.ID, susp.NodeID, exec.PipelineID)

	// The suspended node completes now, with the resume payload as its output.
	if err := e.appendResolvedEntry(ctx, def, exec.ID, susp.NodeID, payload); err != nil {
		return nil, err
	}

	if err := e.fsm.Transition(ctx, exec.ID, schema.ExecutionSuspended, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	running := schema.ExecutionRunning
	won, err := e.store.UpdateExecutionIf(ctx, exec.ID, schema.ExecutionSuspended, store.ExecutionUpdate{Status: &running})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist running status: %s", err.Error()).WithCause(err)
	}
	if !won {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s left suspended state during resume", exec.ID)
	}

	switch susp.Kind {
	case schema.SuspensionApproval:
		e.recordStepEvent(ctx, exec.ID, susp.NodeID, schema.EventApprovalResolved, map[string]any{"approved": true})
	case schema.SuspensionWebhook:
		e.recordStepEvent(ctx, exec.ID, susp.NodeID, schema.EventWebhookReceived, nil)
	}
	e.publish(ctx, exec.ID, susp.NodeID, schema.EventExecutionResumed, map[string]any{
		"kind": string(susp.Kind),
	})

	exec.Status = schema.ExecutionRunning
	return &ResumeState{
		Execution:  exec,
		Definition: def,
		NodeID:     susp.NodeID,
		Payload:    payload,
	}, nil
}

// Continue steps the graph from the node after the resolved suspension until
// the next stopping point. The interpolation scope is rebuilt from the
// persisted node log, and the resume payload becomes visible under the
// reserved resume namespace.
func (e *Engine) Continue(ctx context.Context, st *ResumeState) (*store.Execution, error) {
	exec := st.Execution
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.PipelineID)

	g, err := graph.Build(st.Definition)
	if err != nil {
		e.failExecution(ctx, exec.ID, schema.ExecutionRunning, err)
		return e.store.GetExecution(ctx, exec.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(exec.ID, cancel)
	defer e.untrack(exec.ID)

	stopHeartbeat := e.startHeartbeat(runCtx, exec.ID)
	defer stopHeartbeat()

	scope, err := e.rebuildScope(runCtx, g, exec)
	if err != nil {
		e.failExecution(runCtx, exec.ID, schema.ExecutionRunning, err)
		return e.store.GetExecution(ctx, exec.ID)
	}
	scope.Resume = st.Payload

	next, ok := g.Next(st.NodeID)
	if !ok {
		// The suspension was the last node; its payload is the output.
		e.complete(runCtx, exec.ID, st.Payload)
		return e.store.GetExecution(ctx, exec.ID)
	}
	e.step(runCtx, st.Definition, g, exec, scope, next)
	return e.store.GetExecution(ctx, exec.ID)
}

// Resume is the synchronous convenience form of BeginResume plus Continue.
func (e *Engine) Resume(ctx context.Context, token string, payload map[string]any) (*store.Execution, error) {
	st, err := e.BeginResume(ctx, token, payload)
	if err != nil {
		return nil, err
	}
	return e.Continue(ctx, st)
}

// Reject resolves an approval suspension negatively. The token is consumed so
// it can never resume the execution, a failed log entry is appended for the
// approval node, and the execution fails with a rejection error.
func (e *Engine) Reject(ctx context.Context, token string, payload map[string]any) error {
	susp, err := e.store.GetSuspension(ctx, token)
	if err != nil {
		return err
	}
	if susp.Kind != schema.SuspensionApproval {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot reject a %s suspension", susp.Kind)
	}

	ok, err := e.store.ConsumeSuspension(ctx, token, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewError(schema.ErrCodeResumeRejected, "suspension already consumed or expired").
			WithDetails(map[string]any{"execution_id": susp.ExecutionID, "node_id": susp.NodeID})
	}

	exec, err := e.store.GetExecution(ctx, susp.ExecutionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, exec.ID, susp.NodeID, exec.PipelineID)

	rejectErr := schema.NewError(schema.ErrCodeRejectedByUser, "approval rejected").WithNode(susp.NodeID)
	if payload != nil {
		rejectErr = rejectErr.WithDetails(payload)
	}

	defRecord, err := e.store.GetDefinition(ctx, exec.PipelineID)
	if err == nil {
		node := findNode(&defRecord.Definition, susp.NodeID)
		now := time.Now().UTC()
		errJSON, _ := json.Marshal(rejectErr)
		entry := &store.LogEntry{
			ExecutionID: exec.ID,
			NodeID:      susp.NodeID,
			Status:      schema.LogRunning,
			StartedAt:   now,
		}
		if node != nil {
			entry.NodeName = node.Name
			entry.NodeType = node.Type
		}
		if entryID, appendErr := e.store.AppendLogEntry(ctx, entry); appendErr == nil {
			if completeErr := e.store.CompleteLogEntry(ctx, entryID, schema.LogFailed, nil, errJSON, now); completeErr != nil {
				e.logger.ErrorContext(ctx, "complete rejection log entry", "error", completeErr)
			}
		}
	}

	e.recordStepEvent(ctx, exec.ID, susp.NodeID, schema.EventApprovalResolved, map[string]any{"approved": false})
	e.failExecution(ctx, exec.ID, exec.Status, rejectErr)
	return nil
}

// appendResolvedEntry writes the completed log entry for a node whose
// suspension was just resolved.
func (e *Engine) appendResolvedEntry(ctx context.Context, def *schema.PipelineDefinition, executionID, nodeID string, payload map[string]any) error {
	node := findNode(def, nodeID)
	now := time.Now().UTC()
	entry := &store.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      schema.LogRunning,
		StartedAt:   now,
	}
	if node != nil {
		entry.NodeName = node.Name
		entry.NodeType = node.Type
		entry.Input = node.Config
	}
	entryID, err := e.store.AppendLogEntry(ctx, entry)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append log entry: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	outJSON, _ := json.Marshal(payload)
	if err := e.store.CompleteLogEntry(ctx, entryID, schema.LogCompleted, outJSON, nil, now); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete log entry: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	return nil
}

// rebuildScope replays completed log entries into a fresh interpolation
// scope so resumed executions see every upstream node output.
func (e *Engine) rebuildScope(ctx context.Context, g *graph.Graph, exec *store.Execution) (*interp.Scope, error) {
	entries, err := e.store.ListLogEntries(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	scope := newScope(exec.Input)
	for _, entry := range entries {
		if entry.Status != schema.LogCompleted || len(entry.Output) == 0 {
			continue
		}
		node := g.Nodes[entry.NodeID]
		if node == nil {
			continue
		}
		var output map[string]any
		if err := json.Unmarshal(entry.Output, &output); err != nil {
			continue
		}
		scope.Record(node, output)
	}
	return scope, nil
}

func findNode(def *schema.PipelineDefinition, nodeID string) *schema.Node {
	for i := range def.Nodes {
		if def.Nodes[i].ID == nodeID {
			return &def.Nodes[i]
		}
	}
	return nil
}
