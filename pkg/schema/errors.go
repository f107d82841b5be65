package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeHandlerFailure    = "HANDLER_FAILURE"
	ErrCodeResumeRejected    = "RESUME_REJECTED"
	ErrCodeRejectedByUser    = "REJECTED_BY_USER"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlumeError is the structured error type for all engine operations.
type FlumeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlumeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlumeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlumeError.
func NewError(code, message string) *FlumeError {
	return &FlumeError{Code: code, Message: message}
}

// NewErrorf creates a new FlumeError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlumeError {
	return &FlumeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlumeError) WithNode(nodeID string) *FlumeError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlumeError) WithCause(err error) *FlumeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlumeError) WithDetails(details map[string]any) *FlumeError {
	e.Details = details
	return e
}

// nonRetryableCodes are failures that repeating the same call cannot fix.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeCycleDetected:     true,
	ErrCodeUnknownNodeType:   true,
	ErrCodeResumeRejected:    true,
	ErrCodeRejectedByUser:    true,
	ErrCodeCancelled:         true,
	ErrCodeInvalidTransition: true,
	ErrCodeInterpolation:     true,
	ErrCodeNotFound:          true,
	ErrCodeConflict:          true,
	ErrCodeCircuitOpen:       true,
	ErrCodeRetryExhausted:    true,
}

// IsRetryable reports whether repeating the failed call could succeed.
func (e *FlumeError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// IsTerminalFailure reports whether the error halts the run with no retry
// possible at the engine level. RESUME_REJECTED is the one in-run error that
// leaves the execution untouched.
func (e *FlumeError) IsTerminalFailure() bool {
	return e.Code != ErrCodeResumeRejected
}
