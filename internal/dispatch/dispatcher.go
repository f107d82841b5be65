package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/logging"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// SecretHeader is the request header carrying the webhook shared secret.
const SecretHeader = "X-Flume-Secret"

// Dispatcher resolves suspensions from the outside: approval decisions and
// inbound webhook deliveries. All webhook request validation happens here,
// before the suspension is touched, so an invalid caller can never burn a
// resume token.
type Dispatcher struct {
	engine *engine.Engine
	store  store.Store
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(eng *engine.Engine, s store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: eng, store: s, logger: logger}
}

// ApprovalDecision is a human verdict on a pending approval suspension.
type ApprovalDecision struct {
	Approved bool           `json:"approved"`
	Approver string         `json:"approver,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ResumeByApproval resolves the open approval suspension of an execution.
// Approval consumes the token and continues the pipeline synchronously;
// rejection consumes the token and fails the execution without ever
// resuming it.
func (d *Dispatcher) ResumeByApproval(ctx context.Context, executionID string, decision ApprovalDecision) (*store.Execution, error) {
	ctx = logging.WithExecutionID(ctx, executionID)

	susp, err := d.store.GetActiveSuspension(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if susp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s has no open suspension", executionID)
	}
	if susp.Kind != schema.SuspensionApproval {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s is waiting for a %s signal, not an approval", executionID, susp.Kind)
	}

	payload := map[string]any{"approved": decision.Approved}
	if decision.Approver != "" {
		payload["approver"] = decision.Approver
	}
	if decision.Comment != "" {
		payload["comment"] = decision.Comment
	}
	for k, v := range decision.Data {
		payload[k] = v
	}

	if !decision.Approved {
		if err := d.engine.Reject(ctx, susp.Token, payload); err != nil {
			return nil, err
		}
		return d.store.GetExecution(ctx, executionID)
	}
	return d.engine.Resume(ctx, susp.Token, payload)
}

// WebhookRequest is an inbound webhook delivery, decoded by the transport.
type WebhookRequest struct {
	Method   string
	RemoteIP string
	Secret   string
	Body     map[string]any
	Headers  http.Header
}

// WebhookResult tells the transport what to answer a successful caller.
type WebhookResult struct {
	Status  int
	Body    string
	Headers map[string]string
}

// WebhookError is a webhook validation failure with the HTTP status the
// transport must answer.
type WebhookError struct {
	Status  int
	Message string
}

func (e *WebhookError) Error() string { return e.Message }

// ResumeByWebhook validates an inbound webhook against its registered
// endpoint and, if every check passes, consumes the suspension and continues
// the execution asynchronously on the engine's worker pool. The caller gets
// the endpoint's configured response as soon as the resume is durable.
//
// Validation order: unknown endpoint, inactive or expired endpoint, method,
// source IP, shared secret. The suspension is only touched after all checks
// pass.
func (d *Dispatcher) ResumeByWebhook(ctx context.Context, correlationID string, req WebhookRequest) (*WebhookResult, error) {
	ep, err := d.store.GetWebhookEndpoint(ctx, correlationID)
	if err != nil {
		return nil, &WebhookError{Status: http.StatusNotFound, Message: "unknown webhook"}
	}
	ctx = logging.WithExecutionID(ctx, ep.ExecutionID)

	now := time.Now().UTC()
	if !ep.Active || (ep.ExpiresAt != nil && !ep.ExpiresAt.After(now)) {
		return nil, &WebhookError{Status: http.StatusGone, Message: "webhook no longer active"}
	}
	if !strings.EqualFold(req.Method, ep.Method) {
		return nil, &WebhookError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	if !ipAllowed(req.RemoteIP, ep.AllowedIPs) {
		return nil, &WebhookError{Status: http.StatusForbidden, Message: "source address not allowed"}
	}
	if ep.Secret != "" && subtle.ConstantTimeCompare([]byte(req.Secret), []byte(ep.Secret)) != 1 {
		return nil, &WebhookError{Status: http.StatusUnauthorized, Message: "invalid secret"}
	}

	payload := req.Body
	if payload == nil {
		payload = map[string]any{}
	}

	st, err := d.engine.BeginResume(ctx, ep.SuspensionToken, payload)
	if err != nil {
		if flumeErr, ok := err.(*schema.FlumeError); ok && flumeErr.Code == schema.ErrCodeResumeRejected {
			return nil, &WebhookError{Status: http.StatusGone, Message: "webhook already delivered or expired"}
		}
		return nil, err
	}

	if err := d.store.RecordWebhookHit(ctx, correlationID, now); err != nil {
		d.logger.WarnContext(ctx, "record webhook hit", "error", err)
	}
	if err := d.store.DeactivateWebhookEndpoint(ctx, correlationID); err != nil {
		d.logger.WarnContext(ctx, "deactivate webhook endpoint", "error", err)
	}

	// Continue on the pool; the caller does not wait for downstream nodes.
	submitErr := d.engine.Pool().Submit(context.WithoutCancel(ctx), func(runCtx context.Context) error {
		_, err := d.engine.Continue(runCtx, st)
		return err
	})
	if submitErr != nil {
		// Pool unavailable: continue inline rather than losing the run.
		if _, err := d.engine.Continue(ctx, st); err != nil {
			d.logger.ErrorContext(ctx, "inline continuation failed", "error", err)
		}
	}

	return webhookResult(ep.Response), nil
}

// webhookResult builds the caller-facing response from the endpoint's stored
// response document. An empty or unreadable document falls back to the
// generic acknowledgement.
func webhookResult(raw json.RawMessage) *WebhookResult {
	result := &WebhookResult{
		Status: http.StatusOK,
		Body:   `{"status":"accepted"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
	if len(raw) == 0 {
		return result
	}
	var resp schema.WebhookResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return result
	}
	if resp.Status != 0 {
		result.Status = resp.Status
	}
	if resp.Body != "" {
		result.Body = resp.Body
	}
	for k, v := range resp.Headers {
		result.Headers[k] = v
	}
	return result
}

// ipAllowed checks a remote address against an allowlist of addresses and
// CIDR blocks. An empty allowlist admits everyone.
func ipAllowed(remote string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ip := net.ParseIP(remote)
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			_, block, err := net.ParseCIDR(entry)
			if err == nil && ip != nil && block.Contains(ip) {
				return true
			}
			continue
		}
		if entry == remote {
			return true
		}
	}
	return false
}
