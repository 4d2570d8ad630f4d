// Package errs implements the error-kind taxonomy used across the core:
// NotFound, Conflict, Validation, Transient, Timeout, Cancelled, Fatal.
// Subsystems branch on Kind, never on concrete error types.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven closed error kinds.
type Kind string

const (
	NotFoundKind   Kind = "not_found"
	ConflictKind   Kind = "conflict"
	ValidationKind Kind = "validation"
	TransientKind  Kind = "transient"
	TimeoutKind    Kind = "timeout"
	CancelledKind  Kind = "cancelled"
	FatalKind      Kind = "fatal"
)

// CoreError is a structured error carrying a Kind, a message, optional
// details, and an optional wrapped cause.
type CoreError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail key/value and returns the same error for chaining.
func (e *CoreError) WithDetail(key string, value any) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

func wrapErr(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

func NotFound(resource, id string) *CoreError {
	return newErr(NotFoundKind, fmt.Sprintf("%s not found", resource)).WithDetail("resource", resource).WithDetail("id", id)
}

func Conflict(message string) *CoreError {
	return newErr(ConflictKind, message)
}

func Validation(field, reason string) *CoreError {
	return newErr(ValidationKind, reason).WithDetail("field", field)
}

func Transient(operation string, err error) *CoreError {
	return wrapErr(TransientKind, fmt.Sprintf("%s failed transiently", operation), err).WithDetail("operation", operation)
}

func Timeout(operation string) *CoreError {
	return newErr(TimeoutKind, fmt.Sprintf("%s timed out", operation)).WithDetail("operation", operation)
}

func Cancelled(operation string) *CoreError {
	return newErr(CancelledKind, fmt.Sprintf("%s cancelled", operation)).WithDetail("operation", operation)
}

func Fatal(message string, err error) *CoreError {
	return wrapErr(FatalKind, message, err)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// As extracts the CoreError from an error chain, if present.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	ok := errors.As(err, &ce)
	return ce, ok
}

// KindOf returns the Kind of err, or FatalKind if err is not a CoreError
// (an un-kinded error reaching a process boundary is treated as Fatal per
// spec §7: "internal panics are converted to Fatal errors at process
// boundaries").
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return FatalKind
}

// Retryable reports whether an error kind should be retried with backoff
// per spec §7 propagation policy (Transient and Timeout are retryable;
// Timeout escalates to a hard failure only after a hard cap is reached,
// which is the caller's responsibility to track).
func Retryable(err error) bool {
	k := KindOf(err)
	return k == TransientKind || k == TimeoutKind
}
