package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/corvid-labs/flume/internal/dispatch"
)

// handleWebhook ingests an inbound webhook delivery. All method, IP and
// secret policy lives in the dispatcher; this handler only translates
// between HTTP and dispatch.WebhookRequest.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("id")

	var body map[string]any
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "body must be JSON")
			return
		}
	}

	result, err := s.deps.Dispatcher.ResumeByWebhook(r.Context(), token, dispatch.WebhookRequest{
		Method:   r.Method,
		RemoteIP: clientIP(r),
		Secret:   r.Header.Get(dispatch.SecretHeader),
		Body:     body,
		Headers:  r.Header,
	})
	if err != nil {
		var whErr *dispatch.WebhookError
		if errors.As(err, &whErr) {
			writeError(w, whErr.Status, whErr.Message)
			return
		}
		writeFlumeError(w, err)
		return
	}

	for name, value := range result.Headers {
		w.Header().Set(name, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(result.Status)
	w.Write([]byte(result.Body))
}
