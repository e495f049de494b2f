// Package errs provides the typed error taxonomy shared by the telemetry
// core. Every error carries a kind, the entity it concerns, and a retryable
// flag so callers can decide between surfacing and retrying.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by failure mode.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindPermission     Kind = "PERMISSION"
	KindNotFound       Kind = "NOT_FOUND"
	KindDuplicate      Kind = "DUPLICATE"
	KindStorage        Kind = "STORAGE"
	KindIntegrityCheck Kind = "INTEGRITY_CHECK"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Kind      Kind
	Entity    string
	Field     string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Field != "" {
		msg += "." + e.Field
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Validation reports malformed or out-of-range input. Never retried.
func Validation(entity, field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Authorization reports a missing or unusable tenant context.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Permission reports a context that lacks the required role or tenant match.
// Never retried and never widened.
func Permission(entity, format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced id that does not exist (within the caller's
// tenant scope).
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Message: fmt.Sprintf("%s not found", id)}
}

// Duplicate reports a uniqueness violation, naming the conflicting field.
func Duplicate(entity, field string) *Error {
	return &Error{Kind: KindDuplicate, Entity: entity, Field: field, Message: "already exists"}
}

// Storage reports a failure in the underlying engine. Retryable: partition
// creation and archival are idempotent, so a retry is always safe.
func Storage(message string, cause error) *Error {
	return &Error{Kind: KindStorage, Message: message, Cause: cause, Retryable: true}
}

// IntegrityCheck reports a row-count mismatch found during archival
// verification. The archival aborts and the live partition is preserved.
func IntegrityCheck(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrityCheck, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or its chain) is an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsPermission reports whether err is a permission error.
func IsPermission(err error) bool { return IsKind(err, KindPermission) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
