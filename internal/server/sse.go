package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corvid-labs/flume/internal/streaming"
)

// sseKeepAlive is how often a comment frame is written so proxies do not
// reap idle stream connections between events.
const sseKeepAlive = 15 * time.Second

// handleSSEGlobal streams all engine events to the client via
// Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{})
}

// handleSSEExecution streams events for a specific execution.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	s.serveSSE(w, r, streaming.EventFilter{ExecutionID: executionID})
}

// serveSSE subscribes to the hub with the given filter and relays events
// until the client disconnects.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames one event. Events that fail to marshal are skipped;
// the stream itself stays healthy.
func writeSSEEvent(w io.Writer, event streaming.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
}
