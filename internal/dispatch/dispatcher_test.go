package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/handler"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/internal/streaming"
	"github.com/corvid-labs/flume/pkg/schema"
)

type testRig struct {
	dispatcher *Dispatcher
	engine     *engine.Engine
	store      *store.LibSQLStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.NewTriggerHandler()))
	require.NoError(t, registry.Register(handler.NewTransformHandler()))

	eng, err := engine.New(s, registry, streaming.NewMemoryHub(), engine.Config{PoolSize: 4}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	return &testRig{
		dispatcher: NewDispatcher(eng, s, slog.Default()),
		engine:     eng,
		store:      s,
	}
}

func (r *testRig) runPipeline(t *testing.T, def *schema.PipelineDefinition, input map[string]any) *store.Execution {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.store.SaveDefinition(ctx, &store.Definition{
		ID:         def.ID,
		Name:       def.Name,
		Definition: *def,
	}))
	exec, err := r.engine.Run(ctx, def, input, engine.StartOptions{})
	require.NoError(t, err)
	return exec
}

func (r *testRig) correlationID(t *testing.T, executionID string) string {
	t.Helper()
	events, err := r.store.ListEvents(context.Background(), executionID, store.EventFilter{
		EventType: schema.EventWebhookRegistered,
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	id, _ := payload["correlation_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func approvalDef(id string) *schema.PipelineDefinition {
	gateCfg, _ := json.Marshal(map[string]any{"message": "Proceed?"})
	notifyCfg, _ := json.Marshal(map[string]string{"expression": `{note: .resume.comment}`})
	return &schema.PipelineDefinition{
		ID:   id,
		Name: id,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTrigger},
			{ID: "gate", Type: schema.NodeHumanApproval, Config: gateCfg},
			{ID: "notify", Type: schema.NodeTransform, Config: notifyCfg},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "gate"},
			{Source: "gate", Target: "notify"},
		},
	}
}

func webhookDef(id string, waitCfg map[string]any) *schema.PipelineDefinition {
	cfg, _ := json.Marshal(waitCfg)
	afterCfg, _ := json.Marshal(map[string]string{"expression": `{got: .resume.status}`})
	return &schema.PipelineDefinition{
		ID:   id,
		Name: id,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTrigger},
			{ID: "wait", Type: schema.NodeWebhookWait, Config: cfg},
			{ID: "after", Type: schema.NodeTransform, Config: afterCfg},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "after"},
		},
	}
}

func TestResumeByApprovalApproves(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, approvalDef("approve-me"), map[string]any{})
	require.Equal(t, schema.ExecutionSuspended, exec.Status)

	resumed, err := rig.dispatcher.ResumeByApproval(ctx, exec.ID, ApprovalDecision{
		Approved: true,
		Approver: "sam",
		Comment:  "go",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Status)

	var output map[string]any
	require.NoError(t, json.Unmarshal(resumed.Output, &output))
	assert.Equal(t, "go", output["note"])
}

func TestResumeByApprovalRejects(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, approvalDef("reject-me"), map[string]any{})

	failed, err := rig.dispatcher.ResumeByApproval(ctx, exec.ID, ApprovalDecision{
		Approved: false,
		Approver: "sam",
		Comment:  "not now",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, failed.Status)

	var flumeErr schema.FlumeError
	require.NoError(t, json.Unmarshal(failed.Error, &flumeErr))
	assert.Equal(t, schema.ErrCodeRejectedByUser, flumeErr.Code)

	// A rejected execution can never be approved afterwards.
	_, err = rig.dispatcher.ResumeByApproval(ctx, exec.ID, ApprovalDecision{Approved: true})
	require.Error(t, err)
}

func TestResumeByApprovalWithoutSuspension(t *testing.T) {
	rig := newTestRig(t)

	def := &schema.PipelineDefinition{
		ID:    "no-gate",
		Name:  "no-gate",
		Nodes: []schema.Node{{ID: "start", Type: schema.NodeTrigger}},
	}
	exec := rig.runPipeline(t, def, map[string]any{})
	require.Equal(t, schema.ExecutionCompleted, exec.Status)

	_, err := rig.dispatcher.ResumeByApproval(context.Background(), exec.ID, ApprovalDecision{Approved: true})
	require.Error(t, err)
	var flumeErr *schema.FlumeError
	require.ErrorAs(t, err, &flumeErr)
	assert.Equal(t, schema.ErrCodeNotFound, flumeErr.Code)
}

func TestResumeByApprovalWrongKind(t *testing.T) {
	rig := newTestRig(t)

	exec := rig.runPipeline(t, webhookDef("not-an-approval", map[string]any{}), map[string]any{})
	require.Equal(t, schema.ExecutionSuspended, exec.Status)

	_, err := rig.dispatcher.ResumeByApproval(context.Background(), exec.ID, ApprovalDecision{Approved: true})
	require.Error(t, err)
	var flumeErr *schema.FlumeError
	require.ErrorAs(t, err, &flumeErr)
	assert.Equal(t, schema.ErrCodeValidation, flumeErr.Code)
}

func TestResumeByWebhookSucceeds(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, webhookDef("hooked", map[string]any{
		"method": "POST",
		"secret": "s3cret",
	}), map[string]any{})
	corrID := rig.correlationID(t, exec.ID)

	result, err := rig.dispatcher.ResumeByWebhook(ctx, corrID, WebhookRequest{
		Method:   "POST",
		RemoteIP: "203.0.113.5",
		Secret:   "s3cret",
		Body:     map[string]any{"status": "shipped"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)

	require.Eventually(t, func() bool {
		current, err := rig.store.GetExecution(ctx, exec.ID)
		return err == nil && current.Status == schema.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final, err := rig.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	var output map[string]any
	require.NoError(t, json.Unmarshal(final.Output, &output))
	assert.Equal(t, "shipped", output["got"])

	// The endpoint recorded the hit and went inactive.
	ep, err := rig.store.GetWebhookEndpoint(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.HitCount)
	assert.False(t, ep.Active)
	require.NotNil(t, ep.LastHitAt)
}

func TestResumeByWebhookCustomResponse(t *testing.T) {
	rig := newTestRig(t)

	exec := rig.runPipeline(t, webhookDef("custom-resp", map[string]any{
		"response": map[string]any{
			"status":  202,
			"body":    `{"queued":true}`,
			"headers": map[string]string{"X-Queue": "default"},
		},
	}), map[string]any{})
	corrID := rig.correlationID(t, exec.ID)

	result, err := rig.dispatcher.ResumeByWebhook(context.Background(), corrID, WebhookRequest{
		Method:   "POST",
		RemoteIP: "203.0.113.5",
		Body:     map[string]any{"status": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, result.Status)
	assert.Equal(t, `{"queued":true}`, result.Body)
	assert.Equal(t, "default", result.Headers["X-Queue"])
}

func TestResumeByWebhookValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, webhookDef("guarded", map[string]any{
		"method":      "POST",
		"secret":      "s3cret",
		"allowed_ips": []string{"10.0.0.0/8"},
	}), map[string]any{})
	corrID := rig.correlationID(t, exec.ID)

	cases := []struct {
		name   string
		corrID string
		req    WebhookRequest
		status int
	}{
		{"unknown endpoint", "no-such-id", WebhookRequest{Method: "POST", RemoteIP: "10.1.1.1", Secret: "s3cret"}, http.StatusNotFound},
		{"wrong method", corrID, WebhookRequest{Method: "GET", RemoteIP: "10.1.1.1", Secret: "s3cret"}, http.StatusMethodNotAllowed},
		{"bad source ip", corrID, WebhookRequest{Method: "POST", RemoteIP: "203.0.113.5", Secret: "s3cret"}, http.StatusForbidden},
		{"bad secret", corrID, WebhookRequest{Method: "POST", RemoteIP: "10.1.1.1", Secret: "wrong"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rig.dispatcher.ResumeByWebhook(ctx, tc.corrID, tc.req)
			require.Error(t, err)
			var whErr *WebhookError
			require.ErrorAs(t, err, &whErr)
			assert.Equal(t, tc.status, whErr.Status)
		})
	}

	// None of the failed attempts consumed the suspension.
	current, err := rig.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSuspended, current.Status)

	// A valid delivery still works.
	result, err := rig.dispatcher.ResumeByWebhook(ctx, corrID, WebhookRequest{
		Method:   "POST",
		RemoteIP: "10.1.1.1",
		Secret:   "s3cret",
		Body:     map[string]any{"status": "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)

	// A second delivery is gone.
	_, err = rig.dispatcher.ResumeByWebhook(ctx, corrID, WebhookRequest{
		Method:   "POST",
		RemoteIP: "10.1.1.1",
		Secret:   "s3cret",
	})
	require.Error(t, err)
	var whErr *WebhookError
	require.ErrorAs(t, err, &whErr)
	assert.Equal(t, http.StatusGone, whErr.Status)
}

func TestResumeByWebhookConcurrentDeliveries(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	exec := rig.runPipeline(t, webhookDef("raced", map[string]any{}), map[string]any{})
	corrID := rig.correlationID(t, exec.ID)

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.dispatcher.ResumeByWebhook(ctx, corrID, WebhookRequest{
				Method:   "POST",
				RemoteIP: "203.0.113.5",
				Body:     map[string]any{"status": "raced"},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one delivery may win")

	require.Eventually(t, func() bool {
		current, err := rig.store.GetExecution(ctx, exec.ID)
		return err == nil && current.Status == schema.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIPAllowed(t *testing.T) {
	assert.True(t, ipAllowed("203.0.113.5", nil))
	assert.True(t, ipAllowed("10.0.0.7", []string{"10.0.0.0/8"}))
	assert.True(t, ipAllowed("192.168.1.2", []string{"10.0.0.0/8", "192.168.1.2"}))
	assert.False(t, ipAllowed("203.0.113.5", []string{"10.0.0.0/8"}))
	assert.False(t, ipAllowed("not-an-ip", []string{"10.0.0.0/8"}))
}
