package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrNotFound is returned when a habit, instance or event does not exist.
var ErrNotFound = stderrors.New("not found")

// ValidationError rejects malformed input synchronously. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when an idempotency key is reused with a different payload.
type ConflictError struct {
	Key     string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %q: %s", e.Key, e.Message)
}

// TransientStorageError wraps a storage failure that may succeed on retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// DeadLetterError reports an outbox event that exhausted its attempts.
type DeadLetterError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("outbox event %s dead after %d attempts: %v", e.EventID, e.Attempts, e.Err)
}

func (e *DeadLetterError) Unwrap() error { return e.Err }

// InvariantViolation marks a computed state that must not be persisted.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
}

// Invariantf builds an InvariantViolation.
func Invariantf(invariant, format string, args ...interface{}) error {
	return &InvariantViolation{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return stderrors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientStorageError
	return stderrors.As(err, &target)
}

func IsDeadLetter(err error) bool {
	var target *DeadLetterError
	return stderrors.As(err, &target)
}

func IsInvariantViolation(err error) bool {
	var target *InvariantViolation
	return stderrors.As(err, &target)
}

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}
