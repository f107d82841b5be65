package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/handler"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/internal/streaming"
	"github.com/corvid-labs/flume/pkg/schema"
)

type serverRig struct {
	srv    *httptest.Server
	store  *store.LibSQLStore
	engine *engine.Engine
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "server.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.NewTriggerHandler()))
	require.NoError(t, registry.Register(handler.NewTransformHandler()))

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(s, registry, hub, engine.Config{PoolSize: 4}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	server := New(Deps{
		Store:      s,
		Engine:     eng,
		Dispatcher: dispatch.NewDispatcher(eng, s, slog.Default()),
		Hub:        hub,
		Logger:     slog.Default(),
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &serverRig{srv: ts, store: s, engine: eng}
}

func (r *serverRig) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func linearPipeline(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": id,
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "shape", "type": "transform", "config": map[string]any{
				"expression": `{ticket: .input.ticket}`,
			}},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "shape"},
		},
	}
}

func approvalPipeline(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": id,
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "gate", "type": "human-approval", "config": map[string]any{
				"message": "Proceed?",
			}},
			{"id": "notify", "type": "transform", "config": map[string]any{
				"expression": `{note: .resume.comment}`,
			}},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "gate"},
			{"source": "gate", "target": "notify"},
		},
	}
}

func webhookPipeline(id string, waitCfg map[string]any) map[string]any {
	return map[string]any{
		"id":   id,
		"name": id,
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "wait", "type": "webhook-wait", "config": waitCfg},
			{"id": "after", "type": "transform", "config": map[string]any{
				"expression": `{got: .resume.status}`,
			}},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "wait"},
			{"source": "wait", "target": "after"},
		},
	}
}

// startSuspended saves a pipeline through the API, starts it and waits
// until the execution is suspended. Returns the execution ID.
func (r *serverRig) startSuspended(t *testing.T, def map[string]any) string {
	t.Helper()
	status, _ := r.do(t, http.MethodPost, "/api/pipelines", def)
	require.Equal(t, http.StatusCreated, status)

	status, raw := r.do(t, http.MethodPost, fmt.Sprintf("/api/pipelines/%s/executions", def["id"]), map[string]any{
		"input": map[string]any{"ticket": "T-1"},
	})
	require.Equal(t, http.StatusAccepted, status)

	var exec store.Execution
	require.NoError(t, json.Unmarshal(raw, &exec))

	require.Eventually(t, func() bool {
		got, err := r.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == schema.ExecutionSuspended
	}, 5*time.Second, 10*time.Millisecond)
	return exec.ID
}

func (r *serverRig) webhookToken(t *testing.T, executionID string) string {
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

func TestPipelineCRUD(t *testing.T) {
	rig := newServerRig(t)

	status, raw := rig.do(t, http.MethodPost, "/api/pipelines", linearPipeline("crud"))
	require.Equal(t, http.StatusCreated, status, string(raw))

	status, raw = rig.do(t, http.MethodGet, "/api/pipelines/crud", nil)
	require.Equal(t, http.StatusOK, status)
	var def store.Definition
	require.NoError(t, json.Unmarshal(raw, &def))
	assert.Equal(t, "crud", def.ID)
	assert.Len(t, def.Definition.Nodes, 2)

	status, raw = rig.do(t, http.MethodGet, "/api/pipelines", nil)
	require.Equal(t, http.StatusOK, status)
	var defs []store.Definition
	require.NoError(t, json.Unmarshal(raw, &defs))
	assert.Len(t, defs, 1)

	status, _ = rig.do(t, http.MethodDelete, "/api/pipelines/crud", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = rig.do(t, http.MethodGet, "/api/pipelines/crud", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSavePipelineRejectsInvalid(t *testing.T) {
	rig := newServerRig(t)

	cyclic := map[string]any{
		"id":   "cyclic",
		"name": "cyclic",
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "a", "type": "transform", "config": map[string]any{"expression": "."}},
			{"id": "b", "type": "transform", "config": map[string]any{"expression": "."}},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "a"},
			{"source": "a", "target": "b"},
			{"source": "b", "target": "a"},
		},
	}
	status, raw := rig.do(t, http.MethodPost, "/api/pipelines", cyclic)
	require.Equal(t, http.StatusBadRequest, status)

	var result schema.ValidationResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Valid())

	// Nothing stored.
	status, _ = rig.do(t, http.MethodGet, "/api/pipelines/cyclic", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartExecutionAndStatus(t *testing.T) {
	rig := newServerRig(t)

	status, _ := rig.do(t, http.MethodPost, "/api/pipelines", linearPipeline("run-me"))
	require.Equal(t, http.StatusCreated, status)

	status, raw := rig.do(t, http.MethodPost, "/api/pipelines/run-me/executions", map[string]any{
		"input": map[string]any{"ticket": "T-7"},
	})
	require.Equal(t, http.StatusAccepted, status, string(raw))

	var exec store.Execution
	require.NoError(t, json.Unmarshal(raw, &exec))
	require.NotEmpty(t, exec.ID)

	require.Eventually(t, func() bool {
		status, raw := rig.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil)
		if status != http.StatusOK {
			return false
		}
		var snapshot engine.ExecutionSnapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return false
		}
		return snapshot.Execution.Status == schema.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, raw = rig.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var snapshot engine.ExecutionSnapshot
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.Len(t, snapshot.Log, 2)
	assert.NotEmpty(t, snapshot.Events)

	var output map[string]any
	require.NoError(t, json.Unmarshal(snapshot.Execution.Output, &output))
	assert.Equal(t, "T-7", output["ticket"])
}

func TestStartExecutionUnknownPipeline(t *testing.T) {
	rig := newServerRig(t)
	status, _ := rig.do(t, http.MethodPost, "/api/pipelines/ghost/executions", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListExecutionsFilter(t *testing.T) {
	rig := newServerRig(t)

	status, _ := rig.do(t, http.MethodPost, "/api/pipelines", linearPipeline("filtered"))
	require.Equal(t, http.StatusCreated, status)
	status, _ = rig.do(t, http.MethodPost, "/api/pipelines/filtered/executions", nil)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		status, raw := rig.do(t, http.MethodGet, "/api/executions?pipeline_id=filtered&status=completed", nil)
		if status != http.StatusOK {
			return false
		}
		var execs []store.Execution
		return json.Unmarshal(raw, &execs) == nil && len(execs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status, raw := rig.do(t, http.MethodGet, "/api/executions?pipeline_id=other", nil)
	require.Equal(t, http.StatusOK, status)
	var execs []store.Execution
	require.NoError(t, json.Unmarshal(raw, &execs))
	assert.Empty(t, execs)
}

func TestApprovalEndpoint(t *testing.T) {
	rig := newServerRig(t)
	execID := rig.startSuspended(t, approvalPipeline("http-approve"))

	t.Run("bad action", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/approval", map[string]any{
			"action": "maybe",
		})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("approve completes", func(t *testing.T) {
		status, raw := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/approval", map[string]any{
			"action":   "approve",
			"approver": "sam",
			"comment":  "ship it",
		})
		require.Equal(t, http.StatusOK, status, string(raw))

		var exec store.Execution
		require.NoError(t, json.Unmarshal(raw, &exec))
		assert.Equal(t, schema.ExecutionCompleted, exec.Status)

		var output map[string]any
		require.NoError(t, json.Unmarshal(exec.Output, &output))
		assert.Equal(t, "ship it", output["note"])
	})

	t.Run("second decision not found", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/approval", map[string]any{
			"action": "approve",
		})
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestApprovalEndpointReject(t *testing.T) {
	rig := newServerRig(t)
	execID := rig.startSuspended(t, approvalPipeline("http-reject"))

	status, raw := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/approval", map[string]any{
		"action":   "reject",
		"approver": "sam",
		"comment":  "not today",
	})
	require.Equal(t, http.StatusOK, status, string(raw))

	var exec store.Execution
	require.NoError(t, json.Unmarshal(raw, &exec))
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
}

func TestCancelEndpoint(t *testing.T) {
	rig := newServerRig(t)
	execID := rig.startSuspended(t, approvalPipeline("http-cancel"))

	status, _ := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", map[string]any{
		"reason": "abandoned",
	})
	require.Equal(t, http.StatusOK, status)

	got, err := rig.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)

	t.Run("cancel terminal conflicts", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, status)
	})
}

func TestWebhookEndpoint(t *testing.T) {
	rig := newServerRig(t)
	execID := rig.startSuspended(t, webhookPipeline("http-hook", map[string]any{
		"secret": "s3cret",
	}))
	token := rig.webhookToken(t, execID)

	t.Run("unknown token", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodPost, "/hooks/nope", map[string]any{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("wrong method", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodGet, "/hooks/"+token, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, status)
	})

	t.Run("missing secret", func(t *testing.T) {
		status, _ := rig.do(t, http.MethodPost, "/hooks/"+token, map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("valid delivery", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, rig.srv.URL+"/hooks/"+token,
			strings.NewReader(`{"status": "done"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(dispatch.SecretHeader, "s3cret")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)

		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"status":"accepted"}`, string(raw))

		require.Eventually(t, func() bool {
			got, err := rig.store.GetExecution(context.Background(), execID)
			return err == nil && got.Status == schema.ExecutionCompleted
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("second delivery gone", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, rig.srv.URL+"/hooks/"+token,
			strings.NewReader(`{}`))
		req.Header.Set(dispatch.SecretHeader, "s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusGone, resp.StatusCode)
	})
}

func TestWebhookCustomResponse(t *testing.T) {
	rig := newServerRig(t)
	execID := rig.startSuspended(t, webhookPipeline("http-hook-custom", map[string]any{
		"response": map[string]any{
			"status":  202,
			"body":    `{"queued": true}`,
			"headers": map[string]string{"X-Queue": "flume"},
		},
	}))
	token := rig.webhookToken(t, execID)

	status, raw := rig.do(t, http.MethodPost, "/hooks/"+token, map[string]any{"status": "ok"})
	require.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"queued": true}`, string(raw))
}

func TestSSEExecutionStream(t *testing.T) {
	rig := newServerRig(t)

	status, _ := rig.do(t, http.MethodPost, "/api/pipelines", approvalPipeline("sse-flow"))
	require.Equal(t, http.StatusCreated, status)

	status, raw := rig.do(t, http.MethodPost, "/api/pipelines/sse-flow/executions", nil)
	require.Equal(t, http.StatusAccepted, status)
	var exec store.Execution
	require.NoError(t, json.Unmarshal(raw, &exec))

	require.Eventually(t, func() bool {
		got, err := rig.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == schema.ExecutionSuspended
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rig.srv.URL+"/sse/executions/"+exec.ID, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Resolve the approval so the stream carries resume events.
	go func() {
		time.Sleep(50 * time.Millisecond)
		body := strings.NewReader(`{"action": "approve"}`)
		req, err := http.NewRequest(http.MethodPost, rig.srv.URL+"/api/executions/"+exec.ID+"/approval", body)
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	seen := map[string]bool{}
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen[name] = true
		}
		if seen[schema.EventExecutionCompleted] {
			break
		}
	}
	assert.True(t, seen[schema.EventExecutionResumed])
	assert.True(t, seen[schema.EventExecutionCompleted])
}
