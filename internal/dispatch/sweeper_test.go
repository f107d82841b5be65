package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

func TestSweepExpiredFailsExecution(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, &schema.PipelineDefinition{
		ID:   "expiring",
		Name: "expiring",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTrigger},
			{ID: "gate", Type: schema.NodeHumanApproval, Config: json.RawMessage(`{"ttl":"5ms"}`)},
		},
		Edges: []schema.Edge{{Source: "start", Target: "gate"}},
	}, map[string]any{})
	require.Equal(t, schema.ExecutionSuspended, exec.Status)

	susp, err := rig.store.GetActiveSuspension(ctx, exec.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	sweeper := NewSweeper(rig.store, rig.engine, SweeperConfig{}, slog.Default())
	assert.Equal(t, 1, sweeper.SweepExpired(ctx))

	failed, err := rig.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, failed.Status)

	var flumeErr schema.FlumeError
	require.NoError(t, json.Unmarshal(failed.Error, &flumeErr))
	assert.Equal(t, schema.ErrCodeTimeout, flumeErr.Code)

	// The burned token can never resume.
	_, err = rig.engine.Resume(ctx, susp.Token, map[string]any{"approved": true})
	require.Error(t, err)

	// A second sweep finds nothing.
	assert.Equal(t, 0, sweeper.SweepExpired(ctx))
}

func TestSweepExpiredLosesToResume(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, &schema.PipelineDefinition{
		ID:   "raced-expiry",
		Name: "raced-expiry",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTrigger},
			{ID: "gate", Type: schema.NodeHumanApproval, Config: json.RawMessage(`{"ttl":"1h"}`)},
		},
		Edges: []schema.Edge{{Source: "start", Target: "gate"}},
	}, map[string]any{})

	susp, err := rig.store.GetActiveSuspension(ctx, exec.ID)
	require.NoError(t, err)
	_, err = rig.engine.Resume(ctx, susp.Token, map[string]any{"approved": true})
	require.NoError(t, err)

	sweeper := NewSweeper(rig.store, rig.engine, SweeperConfig{}, slog.Default())
	assert.Equal(t, 0, sweeper.SweepExpired(ctx))

	final, err := rig.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
}

func TestReapStalledExecutions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A running execution that stopped heartbeating.
	stalled := &store.Execution{
		ID:         uuid.NewString(),
		PipelineID: "pipe-1",
		Status:     schema.ExecutionPending,
		Input:      map[string]any{},
	}
	require.NoError(t, rig.store.CreateExecution(ctx, stalled))
	running := schema.ExecutionRunning
	require.NoError(t, rig.store.UpdateExecution(ctx, stalled.ID, store.ExecutionUpdate{Status: &running}))
	require.NoError(t, rig.store.UpdateHeartbeat(ctx, stalled.ID))

	// A suspended execution is never considered stalled.
	suspended := rig.runPipeline(t, approvalDef("parked"), map[string]any{})
	require.Equal(t, schema.ExecutionSuspended, suspended.Status)

	time.Sleep(20 * time.Millisecond)

	sweeper := NewSweeper(rig.store, rig.engine, SweeperConfig{StallAfter: time.Millisecond}, slog.Default())
	assert.Equal(t, 1, sweeper.ReapStalled(ctx))

	reaped, err := rig.store.GetExecution(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, reaped.Status)

	parked, err := rig.store.GetExecution(ctx, suspended.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSuspended, parked.Status)
}

func TestSweeperStartStop(t *testing.T) {
	rig := newTestRig(t)

	sweeper := NewSweeper(rig.store, rig.engine, SweeperConfig{SweepInterval: time.Second}, slog.Default())
	require.NoError(t, sweeper.Start(context.Background()))
	require.Error(t, sweeper.Start(context.Background()), "double start must fail")
	sweeper.Stop()
	sweeper.Stop() // idempotent
}
