package server

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/internal/streaming"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store      store.Store
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// Server exposes the pipeline API, the inbound webhook surface and the SSE
// event stream over HTTP.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Pipeline definitions.
	mux.HandleFunc("POST /api/pipelines", s.handleSavePipeline)
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.handleDeletePipeline)

	// Executions.
	mux.HandleFunc("POST /api/pipelines/{id}/executions", s.handleStartExecution)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)

	// Inbound webhooks. No method pattern: method validation belongs to the
	// dispatcher so mismatches answer 405 instead of the mux's 404.
	mux.HandleFunc("/hooks/{id}", s.handleWebhook)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}
