package schema

// Event type constants for the execution event log and the live notifier.
const (
	EventExecutionStarted   = "started"
	EventExecutionSuspended = "suspended"
	EventExecutionResumed   = "resumed"
	EventExecutionCompleted = "completed"
	EventExecutionFailed    = "failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventWebhookRegistered = "webhook_registered"
	EventWebhookReceived   = "webhook_received"
	EventHeartbeat         = "heartbeat"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// LogStatus represents the state of a single node visit.
type LogStatus string

const (
	LogRunning   LogStatus = "running"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
)

// SuspensionKind distinguishes what signal a suspension is waiting for.
type SuspensionKind string

const (
	SuspensionApproval SuspensionKind = "approval"
	SuspensionWebhook  SuspensionKind = "webhook"
)

// ResumePayloadKey is the reserved context key under which a resume payload
// is merged into the execution context.
const ResumePayloadKey = "resume"
