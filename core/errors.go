package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted marks a turn terminated by explicit cancel or client disconnect.
// It is a clean terminal state with partial-save, not a failure.
var ErrAborted = errors.New("turn aborted")

// ErrIdleTimeout marks a streaming turn that produced no events for longer
// than the configured idle window. It belongs to the same family as provider
// failures: the partial transcript is committed before the turn ends.
var ErrIdleTimeout = errors.New("stream idle timeout")

// ErrInvokeTimeout marks a turn that exceeded its configured invoke deadline.
// Same family as ErrIdleTimeout: a failure, not a clean abort.
var ErrInvokeTimeout = errors.New("invoke timeout exceeded")

// ValidationError rejects a request before any side effect: missing message,
// missing config id, empty generated title.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError rejects a request referencing an unknown conversation or
// configuration before any mutation.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFoundError builds a NotFoundError for an entity kind and id.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ProviderError wraps a model invoker failure. The partial transcript is
// committed and a terminal error event emitted; stored history is never
// corrupted.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying provider error to errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// IsAbort reports whether err terminates a turn cleanly (cancel, disconnect,
// context cancellation) rather than as a failure.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
