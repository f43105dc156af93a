package batch

import (
	"errors"
	"fmt"
)

// Common errors returned by the batch engine.
var (
	// ErrCorrelationMismatch is returned when a sub-response cannot be matched to
	// exactly one sub-request of its chunk.
	ErrCorrelationMismatch = errors.New("correlation mismatch")

	// ErrRetryExhausted is returned when MaxThrottleRetries is reached while
	// sub-requests are still throttled.
	ErrRetryExhausted = errors.New("throttle retries exhausted")

	// ErrContextCancelled is returned when the context is cancelled between
	// dispatches or during a throttle wait.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidMethod is returned for sub-requests with an unsupported HTTP method.
	ErrInvalidMethod = errors.New("invalid method")
)

// CorrelationError describes a broken id correlation inside one chunk.
type CorrelationError struct {
	ID     string
	Reason string
}

// Error implements the error interface.
func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%v: id %q: %s", ErrCorrelationMismatch, e.ID, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CorrelationError) Unwrap() error {
	return ErrCorrelationMismatch
}
