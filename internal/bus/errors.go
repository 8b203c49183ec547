package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transient and capacity failure classes. Callers
// test with errors.Is; the wrapped chain keeps the underlying cause.
var (
	// ErrBrokerUnavailable signals that the log store rejected an operation
	// after internal retry. Publishers see it; consumers back off on it.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrCapacityExceeded signals that the DLQ or main log is approaching
	// its configured bound. It is a warning, not a hard failure.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrCircuitOpen signals that a consumer loop stopped after too many
	// consecutive read failures.
	ErrCircuitOpen = errors.New("consumer circuit breaker open")
)

// ValidationError rejects a malformed publish or replay request. It is
// returned immediately and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// HandlerError wraps a failure inside a subscriber handler. Failures are
// isolated per (event, handler) pair.
type HandlerError struct {
	EventID   string
	HandlerID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for event %s: %v", e.HandlerID, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
