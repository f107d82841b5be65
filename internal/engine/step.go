package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/flume/internal/graph"
	"github.com/corvid-labs/flume/internal/handler"
	"github.com/corvid-labs/flume/internal/interp"
	"github.com/corvid-labs/flume/internal/logging"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// suspensionTokenBytes is the entropy of a resume token before hex encoding.
const suspensionTokenBytes = 32

func newScope(input map[string]any) *interp.Scope {
	return interp.NewScope(input)
}

// step walks the graph from nodeID, running one node at a time. It stops when
// the path ends (completed), a node fails (failed), a suspending node is
// reached (suspended) or the context is cancelled.
func (e *Engine) step(ctx context.Context, def *schema.PipelineDefinition, g *graph.Graph, exec *store.Execution, scope *interp.Scope, nodeID string) {
	var lastOutput map[string]any

	current := nodeID
	for current != "" {
		if err := ctx.Err(); err != nil {
			e.failExecution(ctx, exec.ID, schema.ExecutionRunning,
				schema.NewError(schema.ErrCodeCancelled, "execution interrupted").WithCause(err))
			return
		}

		node := g.Nodes[current]
		nodeCtx := logging.WithNodeID(ctx, current)

		cn := current
		if err := e.store.UpdateExecution(nodeCtx, exec.ID, store.ExecutionUpdate{CurrentNode: &cn}); err != nil {
			e.logger.WarnContext(nodeCtx, "persist current node", "error", err)
		}

		if node.Type.IsSuspending() {
			if err := e.suspend(nodeCtx, exec, scope, node); err != nil {
				e.failExecution(nodeCtx, exec.ID, schema.ExecutionRunning, err)
			}
			return
		}

		output, err := e.runNode(nodeCtx, exec, scope, node)
		if err != nil {
			e.failExecution(nodeCtx, exec.ID, schema.ExecutionRunning, err)
			return
		}
		scope.Record(node, output)
		lastOutput = output

		next, ok := e.advance(g, node, output)
		if !ok {
			break
		}
		current = next
	}

	// The path may end while a cancellation is in flight; a cancelled run
	// must not be promoted to completed.
	if err := ctx.Err(); err != nil {
		e.failExecution(ctx, exec.ID, schema.ExecutionRunning,
			schema.NewError(schema.ErrCodeCancelled, "execution interrupted").WithCause(err))
		return
	}
	e.complete(ctx, exec.ID, lastOutput)
}

// advance picks the next node after a completed one. Condition nodes branch
// on their boolean result; every other node follows its single outgoing edge.
func (e *Engine) advance(g *graph.Graph, node *schema.Node, output map[string]any) (string, bool) {
	if node.Type == schema.NodeCondition {
		result, _ := output["result"].(bool)
		return g.Branch(node.ID, result)
	}
	return g.Next(node.ID)
}

// runNode executes a single node through its handler, bracketed by a log
// entry and step events.
func (e *Engine) runNode(ctx context.Context, exec *store.Execution, scope *interp.Scope, node *schema.Node) (map[string]any, error) {
	startedAt := time.Now().UTC()
	entry := &store.LogEntry{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeType:    node.Type,
		Status:      schema.LogRunning,
		Input:       node.Config,
		StartedAt:   startedAt,
	}
	entryID, err := e.store.AppendLogEntry(ctx, entry)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append log entry: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}
	e.recordStepEvent(ctx, exec.ID, node.ID, schema.EventStepStarted, nil)

	output, execErr := e.handlers.Dispatch(ctx, node, &handler.Context{
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		Scope:       scope,
	})
	completedAt := time.Now().UTC()

	if execErr != nil {
		var flumeErr *schema.FlumeError
		if fe, ok := execErr.(*schema.FlumeError); ok {
			flumeErr = fe.WithNode(node.ID)
		} else {
			flumeErr = schema.NewError(schema.ErrCodeHandlerFailure, execErr.Error()).WithNode(node.ID).WithCause(execErr)
		}
		errJSON, _ := json.Marshal(flumeErr)
		if err := e.store.CompleteLogEntry(ctx, entryID, schema.LogFailed, nil, errJSON, completedAt); err != nil {
			e.logger.ErrorContext(ctx, "complete log entry", "error", err)
		}
		e.recordStepEvent(ctx, exec.ID, node.ID, schema.EventStepFailed, map[string]any{
			"code":    flumeErr.Code,
			"message": flumeErr.Message,
		})
		return nil, flumeErr
	}

	outJSON, _ := json.Marshal(output)
	if err := e.store.CompleteLogEntry(ctx, entryID, schema.LogCompleted, outJSON, nil, completedAt); err != nil {
		e.logger.ErrorContext(ctx, "complete log entry", "error", err)
	}
	e.recordStepEvent(ctx, exec.ID, node.ID, schema.EventStepCompleted, map[string]any{
		"duration_ms": completedAt.Sub(startedAt).Milliseconds(),
	})
	return output, nil
}

// suspend parks the execution at an approval or webhook-wait node. No log
// entry is written for the node itself; its completed entry is appended when
// the suspension is resolved.
func (e *Engine) suspend(ctx context.Context, exec *store.Execution, scope *interp.Scope, node *schema.Node) error {
	token, err := newToken()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "generate resume token: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}

	susp := &store.Suspension{
		Token:       token,
		ExecutionID: exec.ID,
		NodeID:      node.ID,
	}

	var requestedPayload map[string]any
	var endpoint *store.WebhookEndpoint

	switch node.Type {
	case schema.NodeHumanApproval:
		var cfg schema.ApprovalConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		message := interp.Resolve(cfg.Message, scope)
		susp.Kind = schema.SuspensionApproval
		susp.Context, _ = json.Marshal(map[string]any{
			"message":   message,
			"approvers": cfg.Approvers,
		})
		if expiresAt, err := ttlDeadline(cfg.TTL, node.ID); err != nil {
			return err
		} else if expiresAt != nil {
			susp.ExpiresAt = expiresAt
		}
		requestedPayload = map[string]any{
			"token":     token,
			"message":   message,
			"approvers": cfg.Approvers,
		}

	case schema.NodeWebhookWait:
		var cfg schema.WebhookWaitConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		method := cfg.Method
		if method == "" {
			method = "POST"
		}
		susp.Kind = schema.SuspensionWebhook
		susp.Context, _ = json.Marshal(map[string]any{"method": method})
		if expiresAt, err := ttlDeadline(cfg.TTL, node.ID); err != nil {
			return err
		} else if expiresAt != nil {
			susp.ExpiresAt = expiresAt
		}
		var respDoc json.RawMessage
		if cfg.Response != nil {
			respDoc, err = json.Marshal(cfg.Response)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid webhook response config: %s", err.Error()).WithNode(node.ID)
			}
		}
		endpoint = &store.WebhookEndpoint{
			CorrelationID:   uuid.NewString(),
			SuspensionToken: token,
			ExecutionID:     exec.ID,
			Method:          method,
			AllowedIPs:      cfg.AllowedIPs,
			Secret:          cfg.Secret,
			Response:        respDoc,
			Active:          true,
			ExpiresAt:       susp.ExpiresAt,
		}

	default:
		return schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node type %s does not suspend", node.Type).WithNode(node.ID)
	}

	if err := e.store.CreateSuspension(ctx, susp); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create suspension: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}
	if endpoint != nil {
		if err := e.store.CreateWebhookEndpoint(ctx, endpoint); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create webhook endpoint: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
	}

	if err := e.fsm.Transition(ctx, exec.ID, schema.ExecutionRunning, schema.ExecutionSuspended); err != nil {
		return err
	}
	suspended := schema.ExecutionSuspended
	nodeID := node.ID
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &suspended,
		CurrentNode: &nodeID,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist suspended status: %s", err.Error()).WithCause(err)
	}

	switch susp.Kind {
	case schema.SuspensionApproval:
		e.recordStepEvent(ctx, exec.ID, node.ID, schema.EventApprovalRequested, requestedPayload)
	case schema.SuspensionWebhook:
		e.recordStepEvent(ctx, exec.ID, node.ID, schema.EventWebhookRegistered, map[string]any{
			"correlation_id": endpoint.CorrelationID,
			"method":         endpoint.Method,
		})
	}
	e.publish(ctx, exec.ID, node.ID, schema.EventExecutionSuspended, map[string]any{
		"kind": string(susp.Kind),
	})
	return nil
}

// complete finishes an execution and stores the last node's output as the
// execution output. The status write is guarded on the execution still
// running; if a canceller or reaper already made it terminal, the output is
// discarded and no completion event is emitted.
func (e *Engine) complete(ctx context.Context, executionID string, output map[string]any) {
	now := time.Now().UTC()
	completed := schema.ExecutionCompleted
	outJSON, _ := json.Marshal(output)
	won, err := e.store.UpdateExecutionIf(ctx, executionID, schema.ExecutionRunning, store.ExecutionUpdate{
		Status:      &completed,
		Output:      outJSON,
		CompletedAt: &now,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "persist completed status", "error", err)
		return
	}
	if !won {
		e.logger.DebugContext(ctx, "execution no longer running, output discarded")
		return
	}
	if err := e.fsm.Transition(ctx, executionID, schema.ExecutionRunning, schema.ExecutionCompleted); err != nil {
		e.logger.ErrorContext(ctx, "transition to completed", "error", err)
	}
	e.publish(ctx, executionID, "", schema.EventExecutionCompleted, nil)
}

// recordStepEvent persists a node-scoped event and mirrors it to the notifier.
func (e *Engine) recordStepEvent(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}
	if payload != nil {
		event.Payload, _ = json.Marshal(payload)
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
	e.publish(ctx, executionID, nodeID, eventType, payload)
}

// newToken returns a cryptographically random hex token.
func newToken() (string, error) {
	buf := make([]byte, suspensionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ttlDeadline converts an optional TTL string into an absolute deadline.
func ttlDeadline(ttl, nodeID string) (*time.Time, error) {
	if ttl == "" {
		return nil, nil
	}
	dur, err := time.ParseDuration(ttl)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid ttl %q: %s", ttl, err.Error()).WithNode(nodeID)
	}
	deadline := time.Now().UTC().Add(dur)
	return &deadline, nil
}
