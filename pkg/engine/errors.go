// Package engine owns the remediation session and step state machine:
// session creation from a parsed runbook, step execution with approval
// gating, and failure-triggered rollback.
package engine

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown session, step, or assignment.
// It maps to a 404-equivalent at the API boundary.
type NotFoundError struct {
	// Kind is the entity kind (e.g. "session", "step", "assignment").
	Kind string

	// ID identifies the missing entity.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError creates a NotFoundError for the given entity.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidStateError indicates an operation that is not legal in the
// entity's current state, such as approving a step that has already
// been decided. It is surfaced to the caller, never retried.
type InvalidStateError struct {
	// Message describes the illegal transition.
	Message string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return e.Message
}

// NewInvalidStateError creates an InvalidStateError with a formatted message.
func NewInvalidStateError(format string, args ...interface{}) *InvalidStateError {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

// ConnectionError indicates a transport or authentication level failure:
// the command never reached the target. Connection errors are
// retry-eligible, unlike command failures.
type ConnectionError struct {
	// Op is the operation being performed (e.g. "connect", "execute").
	Op string

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Err is the underlying transport error.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection error during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(op string, attempts int, err error) *ConnectionError {
	return &ConnectionError{Op: op, Attempts: attempts, Err: err}
}

// CommandFailureError indicates the command reached the target and exited
// non-zero. It is never retried automatically: retrying a destructive
// command because it "failed" is unsafe.
type CommandFailureError struct {
	// Command is the command that failed.
	Command string

	// ExitCode is the command's exit code.
	ExitCode int

	// Stderr is the captured error output.
	Stderr string
}

// Error implements the error interface.
func (e *CommandFailureError) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
}

// NewCommandFailureError creates a CommandFailureError.
func NewCommandFailureError(command string, exitCode int, stderr string) *CommandFailureError {
	return &CommandFailureError{Command: command, ExitCode: exitCode, Stderr: stderr}
}

// DuplicateRequestError indicates an idempotency key that is already
// pending or committed. It is a conflict, not a failure: callers can
// safely retry the network call and receive the original outcome.
type DuplicateRequestError struct {
	// Scope is the idempotency scope (e.g. "session.create").
	Scope string

	// Key is the idempotency key.
	Key string

	// Pending is true while the first caller's reservation is in flight.
	Pending bool
}

// Error implements the error interface.
func (e *DuplicateRequestError) Error() string {
	if e.Pending {
		return fmt.Sprintf("duplicate request for %s/%s: original still pending", e.Scope, e.Key)
	}
	return fmt.Sprintf("duplicate request for %s/%s: already committed", e.Scope, e.Key)
}

// NewDuplicateRequestError creates a DuplicateRequestError.
func NewDuplicateRequestError(scope, key string, pending bool) *DuplicateRequestError {
	return &DuplicateRequestError{Scope: scope, Key: key, Pending: pending}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsInvalidState returns true if the error is an InvalidStateError.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// IsConnectionError returns true if the error is a ConnectionError.
func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// IsCommandFailure returns true if the error is a CommandFailureError.
func IsCommandFailure(err error) bool {
	var e *CommandFailureError
	return errors.As(err, &e)
}

// IsDuplicateRequest returns true if the error is a DuplicateRequestError.
func IsDuplicateRequest(err error) bool {
	var e *DuplicateRequestError
	return errors.As(err, &e)
}

// IsRetryable returns true if the error can be retried. Only connection
// errors are retryable; command failures and state errors are not.
func IsRetryable(err error) bool {
	return IsConnectionError(err)
}
