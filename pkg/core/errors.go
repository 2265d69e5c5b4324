package core

import (
	"errors"
	"fmt"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Predefined errors for common failure scenarios. Most alias the model
// taxonomy so errors.Is works the same inside and outside the client.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = model.ErrConfiguration

	// ErrMissingScope indicates a call without tenant or user.
	ErrMissingScope = model.ErrMissingScope

	// ErrQueueFull indicates that the ingestion queue rejected an event.
	ErrQueueFull = model.ErrQueueFull

	// ErrTransientBackend indicates a retryable backend failure.
	ErrTransientBackend = model.ErrTransientBackend

	// ErrPermanentEvent indicates an event that can never be stored.
	ErrPermanentEvent = model.ErrPermanentEvent

	// ErrMemoryDisabled indicates that the memory feature flag is off.
	ErrMemoryDisabled = errors.New("memory disabled")

	// ErrClosed indicates use of a closed client.
	ErrClosed = errors.New("client closed")
)

// MemoryError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "DeleteUserMemories",
//	    Err: ErrMissingScope,
//	}
//	// Error() returns: "powermem: DeleteUserMemories: tenant and user scope required"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "powermem: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("powermem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with MemoryError.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Backfill", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Backfill", "SweepExpired")
//   - err: The underlying error to wrap
//
// Returns a MemoryError, or nil if err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}
