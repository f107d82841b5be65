package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestFSMValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()
	execID := "exec-1"

	// pending -> running
	require.NoError(t, fsm.Transition(ctx, execID, schema.ExecutionPending, schema.ExecutionRunning))
	// running -> suspended
	require.NoError(t, fsm.Transition(ctx, execID, schema.ExecutionRunning, schema.ExecutionSuspended))
	// suspended -> running (resume)
	require.NoError(t, fsm.Transition(ctx, execID, schema.ExecutionSuspended, schema.ExecutionRunning))
	// running -> completed
	require.NoError(t, fsm.Transition(ctx, execID, schema.ExecutionRunning, schema.ExecutionCompleted))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionSuspended, events[1].Type)
	assert.Equal(t, schema.EventExecutionResumed, events[2].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[3].Type)
}

func TestFSMInvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	err := fsm.Transition(ctx, "exec-1", schema.ExecutionPending, schema.ExecutionCompleted)
	require.Error(t, err)

	var flumeErr *schema.FlumeError
	require.ErrorAs(t, err, &flumeErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, flumeErr.Code)
	assert.Contains(t, flumeErr.Message, "pending")
	assert.Contains(t, flumeErr.Message, "completed")

	// No events should have been recorded
	assert.Empty(t, app.Events())
}

func TestFSMTerminalStatesRejectTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
	} {
		err := fsm.Transition(ctx, "exec-1", terminal, schema.ExecutionRunning)
		require.Error(t, err, "should not transition from terminal state %s", terminal)
	}
}

func TestFSMSuspendedCanFail(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	// The expiry sweeper fails suspended executions directly.
	require.NoError(t, fsm.Transition(context.Background(), "exec-1", schema.ExecutionSuspended, schema.ExecutionFailed))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionFailed, events[0].Type)
}

func TestFSMEventAppendFailure(t *testing.T) {
	fsm := NewExecutionFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.Error(t, err)

	var flumeErr *schema.FlumeError
	require.ErrorAs(t, err, &flumeErr)
	assert.Equal(t, schema.ErrCodeStore, flumeErr.Code)
}

func TestFSMBeforeHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	var hookCalled bool
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		hookCalled = true
		assert.Equal(t, "pending", from)
		assert.Equal(t, "running", to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning))
	assert.True(t, hookCalled)
}

func TestFSMBeforeHookBlocksTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		return errors.New("blocked")
	})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.Error(t, err)
	assert.Empty(t, app.Events())
}

func TestFSMAfterHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	var order []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "exec-1", schema.ExecutionRunning, schema.ExecutionCompleted))
	assert.Equal(t, []string{"before", "after"}, order)
	assert.Len(t, app.Events(), 1)
}

func TestFSMTransitionsDoNotSerialize(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	// A hook stuck on one execution must not block a transition for another.
	entered := make(chan struct{})
	release := make(chan struct{})
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(from, to string) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- fsm.Transition(context.Background(), "exec-slow", schema.ExecutionRunning, schema.ExecutionCompleted)
	}()
	<-entered

	require.NoError(t, fsm.Transition(context.Background(), "exec-other", schema.ExecutionPending, schema.ExecutionRunning))
	require.Len(t, app.Events(), 1, "the unrelated transition finished while the hook was held")

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, app.Events(), 2)
}
