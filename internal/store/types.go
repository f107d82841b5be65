package store

import (
	"encoding/json"
	"time"

	"github.com/corvid-labs/flume/pkg/schema"
)

// Definition is a persisted pipeline definition. Definitions are immutable
// once saved; re-saving under the same ID replaces the whole document.
type Definition struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Definition schema.PipelineDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Execution is the persisted state of one pipeline run.
type Execution struct {
	ID          string                 `json:"id"`
	PipelineID  string                 `json:"pipeline_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Input       map[string]any         `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CurrentNode string                 `json:"current_node,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time             `json:"heartbeat_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// LogEntry records one node execution within a run. Suspending nodes get
// their entry appended at resume time, not at suspension.
type LogEntry struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	NodeName    string           `json:"node_name,omitempty"`
	NodeType    schema.NodeType  `json:"node_type"`
	Status      schema.LogStatus `json:"status"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// Suspension is the durable record of a paused execution awaiting an external
// signal. Token is the unguessable resume credential; ConsumedAt set means the
// suspension can never be used again.
type Suspension struct {
	Token       string                `json:"token"`
	ExecutionID string                `json:"execution_id"`
	NodeID      string                `json:"node_id"`
	Kind        schema.SuspensionKind `json:"kind"`
	Context     json.RawMessage       `json:"context,omitempty"` // kind-specific data shown to resolvers
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"` // nil means never expires
	ConsumedAt  *time.Time            `json:"consumed_at,omitempty"`
}

// Expired reports whether the suspension's TTL has elapsed at the given time.
func (s *Suspension) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// WebhookEndpoint is the callable surface of a webhook-wait suspension. The
// correlation ID is the public URL path segment; validation data (method,
// allowed IPs, shared secret) lives here so a request can be rejected before
// the suspension is ever touched.
type WebhookEndpoint struct {
	CorrelationID   string          `json:"correlation_id"`
	SuspensionToken string          `json:"suspension_token"`
	ExecutionID     string          `json:"execution_id"`
	Method          string          `json:"method"`
	AllowedIPs      []string        `json:"allowed_ips,omitempty"`
	Secret          string          `json:"-"`
	Response        json.RawMessage `json:"response,omitempty"` // custom success response
	HitCount        int             `json:"hit_count"`
	LastHitAt       *time.Time      `json:"last_hit_at,omitempty"`
	Active          bool            `json:"active"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	PipelineID string                  `json:"pipeline_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CurrentNode *string                 `json:"current_node,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	NodeID    string     `json:"node_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
