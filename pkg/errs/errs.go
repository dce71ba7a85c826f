// Package errs defines the closed error taxonomy used across the control
// plane. Components surface one of these kinds to their caller; the API
// layer maps each kind to exactly one HTTP status, and the orchestrator
// maps them to run-terminal outcomes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and transport mapping.
type Kind string

const (
	KindValidation   Kind = "ValidationError" // malformed input; not retried
	KindUnauthorized Kind = "Unauthorized"    // capability missing/invalid/expired
	KindConflict     Kind = "Conflict"        // idempotency or state-machine conflict
	KindDenied       Kind = "Denied"          // policy or approval rejection
	KindNotFound     Kind = "NotFound"        // missing plan/run/receipt
	KindTransient    Kind = "Transient"       // network or dependency unavailability
	KindInternal     Kind = "Internal"        // invariant violation
)

// Error is a kind-tagged error carrying a stable code and an optional cause.
type Error struct {
	Kind  Kind
	Code  string // stable machine-readable code, e.g. "REPLAY_DETECTED"
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kind-tagged error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf creates a kind-tagged error with formatting.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from an error chain; unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error may be retried per policy.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
