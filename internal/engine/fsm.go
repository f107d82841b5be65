package engine

import (
	"context"
	"sync"

	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by the FSM to record events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM that records events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition.
// It records the corresponding event via the appender.
// The caller (Engine) is responsible for persisting the new state to the store.
// The FSM lock only guards the hook maps; hooks and the event append run
// unlocked so one execution's transition never stalls another's.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	// Run before hooks.
	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Record the corresponding event.
	eventType := transitionEventType(from, to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record execution event: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionSuspended {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidTransitions defines the allowed state transitions for executions.
// Resuming a suspended execution passes through running again.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionSuspended, schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}
