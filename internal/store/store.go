package store

import (
	"context"
	"time"

	"github.com/corvid-labs/flume/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, limit int) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// UpdateExecutionIf applies the update only while the execution still has
	// the expected status, reporting whether this caller won the write.
	UpdateExecutionIf(ctx context.Context, id string, expect schema.ExecutionStatus, update ExecutionUpdate) (bool, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	UpdateHeartbeat(ctx context.Context, id string) error
	// ListStalledExecutions returns running executions whose heartbeat is
	// older than the cutoff. The reaper fails these.
	ListStalledExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error)

	// Execution log (append-only per node)
	AppendLogEntry(ctx context.Context, entry *LogEntry) (int64, error)
	CompleteLogEntry(ctx context.Context, id int64, status schema.LogStatus, output, errJSON []byte, completedAt time.Time) error
	ListLogEntries(ctx context.Context, executionID string) ([]*LogEntry, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, filter EventFilter) ([]*Event, error)

	// Suspensions
	CreateSuspension(ctx context.Context, susp *Suspension) error
	GetSuspension(ctx context.Context, token string) (*Suspension, error)
	// ConsumeSuspension atomically marks the suspension consumed if it is
	// still unconsumed and unexpired. Returns true when this call won the
	// race; at most one caller ever gets true for a given token.
	ConsumeSuspension(ctx context.Context, token string, now time.Time) (bool, error)
	// ExpireSuspension marks an unconsumed suspension consumed regardless of
	// TTL. Used by the expiry sweeper when failing timed-out executions.
	ExpireSuspension(ctx context.Context, token string) (bool, error)
	GetActiveSuspension(ctx context.Context, executionID string) (*Suspension, error)
	// ListExpiredSuspensions returns unconsumed suspensions whose TTL passed.
	ListExpiredSuspensions(ctx context.Context, now time.Time) ([]*Suspension, error)

	// Webhook endpoints
	CreateWebhookEndpoint(ctx context.Context, ep *WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, correlationID string) (*WebhookEndpoint, error)
	RecordWebhookHit(ctx context.Context, correlationID string, at time.Time) error
	DeactivateWebhookEndpoint(ctx context.Context, correlationID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
