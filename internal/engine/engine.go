package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/flume/internal/graph"
	"github.com/corvid-labs/flume/internal/handler"
	"github.com/corvid-labs/flume/internal/logging"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/internal/streaming"
	"github.com/corvid-labs/flume/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultHeartbeatInterval is how often a running execution touches its heartbeat.
const DefaultHeartbeatInterval = 15 * time.Second

// Config holds engine configuration.
type Config struct {
	PoolSize          int           // max concurrent execution goroutines
	HeartbeatInterval time.Duration // 0 = DefaultHeartbeatInterval
}

// Engine drives pipeline executions: it steps nodes sequentially through the
// graph, persists progress after every node, and suspends at approval and
// webhook-wait nodes until an external signal resumes the run.
type Engine struct {
	store     store.Store
	handlers  *handler.Registry
	validator *graph.Validator
	fsm       *ExecutionFSM
	hub       streaming.EventHub
	pool      *WorkerPool
	config    Config
	logger    *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Engine with the given dependencies.
func New(s store.Store, handlers *handler.Registry, hub streaming.EventHub, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := graph.NewValidator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:     s,
		handlers:  handlers,
		validator: validator,
		fsm:       NewExecutionFSM(s),
		hub:       hub,
		pool:      NewWorkerPool(cfg.PoolSize),
		config:    cfg,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}, nil
}

// Validator exposes the engine's pipeline validator for pre-save checks.
func (e *Engine) Validator() *graph.Validator {
	return e.validator
}

// StartOptions tunes how an execution is started.
type StartOptions struct {
	StartNode string // override the entry node; empty = resolve from triggers
}

// Run validates the input, creates an execution record and drives it to its
// first stopping point (completed, failed or suspended) synchronously.
func (e *Engine) Run(ctx context.Context, def *schema.PipelineDefinition, input map[string]any, opts StartOptions) (*store.Execution, error) {
	exec, g, err := e.prepare(ctx, def, input, opts)
	if err != nil {
		return nil, err
	}
	e.drive(ctx, def, g, exec, opts.StartNode)
	return e.store.GetExecution(ctx, exec.ID)
}

// Start is the asynchronous variant of Run: the execution record is created
// and returned in pending state, and the run is handed to the worker pool.
func (e *Engine) Start(ctx context.Context, def *schema.PipelineDefinition, input map[string]any, opts StartOptions) (*store.Execution, error) {
	exec, g, err := e.prepare(ctx, def, input, opts)
	if err != nil {
		return nil, err
	}
	submitErr := e.pool.Submit(context.WithoutCancel(ctx), func(runCtx context.Context) error {
		e.drive(runCtx, def, g, exec, opts.StartNode)
		return nil
	})
	if submitErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "submit execution: %s", submitErr.Error()).WithCause(submitErr)
	}
	return exec, nil
}

// prepare validates the pipeline and its input, then persists a pending execution.
func (e *Engine) prepare(ctx context.Context, def *schema.PipelineDefinition, input map[string]any, opts StartOptions) (*store.Execution, *graph.Graph, error) {
	if def == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if result := e.validator.Validate(def); !result.Valid() {
		return nil, nil, result.ToError()
	}
	if err := e.validator.ValidateInput(def, input); err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.Entry(opts.StartNode); err != nil {
		return nil, nil, err
	}

	exec := &store.Execution{
		ID:         uuid.NewString(),
		PipelineID: def.ID,
		Status:     schema.ExecutionPending,
		Input:      input,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	return exec, g, nil
}

// drive runs an execution from its entry node and records the outcome.
// All errors are absorbed into the execution record.
func (e *Engine) drive(ctx context.Context, def *schema.PipelineDefinition, g *graph.Graph, exec *store.Execution, startNode string) {
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.PipelineID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(exec.ID, cancel)
	defer e.untrack(exec.ID)

	if err := e.fsm.Transition(runCtx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
		e.failExecution(runCtx, exec.ID, schema.ExecutionPending, err)
		return
	}
	now := time.Now().UTC()
	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(runCtx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		e.logger.ErrorContext(runCtx, "persist running status", "error", err)
		return
	}
	e.publish(runCtx, exec.ID, "", schema.EventExecutionStarted, map[string]any{"pipeline_id": exec.PipelineID})

	stopHeartbeat := e.startHeartbeat(runCtx, exec.ID)
	defer stopHeartbeat()

	entry, err := g.Entry(startNode)
	if err != nil {
		e.failExecution(runCtx, exec.ID, schema.ExecutionRunning, err)
		return
	}

	scope := newScope(exec.Input)
	e.step(runCtx, def, g, exec, scope, entry)
}

// track registers a cancel func so Cancel can interrupt an in-flight run.
func (e *Engine) track(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[executionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	delete(e.running, executionID)
	e.mu.Unlock()
}

// startHeartbeat touches the execution's heartbeat column on an interval
// until the returned stop func is called.
func (e *Engine) startHeartbeat(ctx context.Context, executionID string) func() {
	hbCtx, stop := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.store.UpdateHeartbeat(hbCtx, executionID); err != nil {
					e.logger.WarnContext(hbCtx, "heartbeat update failed", "error", err)
					continue
				}
				_ = e.hub.Publish(hbCtx, streaming.StreamEvent{
					ExecutionID: executionID,
					EventType:   schema.EventHeartbeat,
				})
			}
		}
	}()
	return stop
}

// Cancel interrupts a non-terminal execution and marks it failed with a
// cancellation error. Any open suspension is burned so its token can no
// longer resume the run.
func (e *Engine) Cancel(ctx context.Context, executionID string, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", executionID, exec.Status)
	}

	if susp, err := e.store.GetActiveSuspension(ctx, executionID); err == nil && susp != nil {
		if _, err := e.store.ExpireSuspension(ctx, susp.Token); err != nil {
			e.logger.WarnContext(ctx, "expire suspension on cancel", "error", err)
		}
	}

	cancelErr := schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	if reason != "" {
		cancelErr = cancelErr.WithDetails(map[string]any{"reason": reason})
	}
	e.failExecution(ctx, executionID, exec.Status, cancelErr)

	// If the run is in-flight, interrupt its context.
	e.mu.Lock()
	if cancel, ok := e.running[executionID]; ok {
		cancel()
	}
	e.mu.Unlock()
	return nil
}

// Fail force-fails a non-terminal execution with the given cause. Used by
// the expiry sweeper and the stalled-run reaper.
func (e *Engine) Fail(ctx context.Context, executionID string, cause error) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", executionID, exec.Status)
	}
	e.failExecution(ctx, executionID, exec.Status, cause)
	return nil
}

// ExecutionSnapshot is a point-in-time view of an execution for querying.
type ExecutionSnapshot struct {
	Execution  *store.Execution   `json:"execution"`
	Log        []*store.LogEntry  `json:"log,omitempty"`
	Events     []*store.Event     `json:"events,omitempty"`
	Suspension *store.Suspension  `json:"suspension,omitempty"`
}

// Status returns the current state of an execution with its node log,
// event history and open suspension, if any.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListLogEntries(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, executionID, store.EventFilter{})
	if err != nil {
		return nil, err
	}
	snapshot := &ExecutionSnapshot{Execution: exec, Log: entries, Events: events}
	if exec.Status == schema.ExecutionSuspended {
		if susp, err := e.store.GetActiveSuspension(ctx, executionID); err == nil {
			snapshot.Suspension = susp
		}
	}
	return snapshot, nil
}

// Pool exposes the engine's worker pool so external resumers can reuse it.
func (e *Engine) Pool() *WorkerPool {
	return e.pool
}

// Shutdown stops accepting new executions and waits for in-flight runs.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// failExecution persists the failed state and error. The status write is
// guarded on the execution still being in the claimed from-status, so a run
// that already reached a terminal state is never overwritten and only the
// winning writer emits the failure event.
func (e *Engine) failExecution(ctx context.Context, executionID string, from schema.ExecutionStatus, cause error) {
	var flumeErr *schema.FlumeError
	if !errors.As(cause, &flumeErr) {
		flumeErr = schema.NewError(schema.ErrCodeHandlerFailure, cause.Error()).WithCause(cause)
	}
	now := time.Now().UTC()
	failed := schema.ExecutionFailed
	errPayload, _ := json.Marshal(flumeErr)
	won, err := e.store.UpdateExecutionIf(ctx, executionID, from, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errPayload,
		CompletedAt: &now,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "persist failed status", "error", err)
		return
	}
	if !won {
		e.logger.DebugContext(ctx, "execution no longer in expected status, failure dropped",
			"expected", string(from))
		return
	}
	if err := e.fsm.Transition(ctx, executionID, from, schema.ExecutionFailed); err != nil {
		e.logger.ErrorContext(ctx, "transition to failed", "error", err)
	}
	e.publish(ctx, executionID, flumeErr.NodeID, schema.EventExecutionFailed, map[string]any{
		"code":    flumeErr.Code,
		"message": flumeErr.Message,
	})
}

// publish sends a notifier event. Delivery is best-effort: a publish failure
// never affects the execution.
func (e *Engine) publish(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	if err := e.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	}); err != nil {
		e.logger.DebugContext(ctx, "event publish dropped", "event_type", eventType, "error", err)
	}
}
