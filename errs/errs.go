// Package errs provides the error taxonomy shared by every control-plane
// component. Errors carry a Kind so component boundaries can convert
// lower-level failures into one of a small, closed set of categories without
// losing the causal chain, matching the propagation policy described for the
// runtime.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the control plane's error categories.
// Kinds are not Go types: a single Error struct carries a Kind field so
// errors.As/errors.Is and wrapping continue to work across component
// boundaries.
type Kind int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown Kind = iota
	// Validation means input violated a schema or invariant; not retriable.
	Validation
	// Conflict means a concurrent modification or duplicate was detected;
	// the caller may retry if semantically sensible.
	Conflict
	// NotFound means a referenced row or resource is absent.
	NotFound
	// Authentication means a session, credential, signature, or approval
	// nonce was missing or invalid.
	Authentication
	// Authorization means an ACL or CSRF check failed.
	Authorization
	// Integrity means a sandbox checksum mismatch or signature failure was
	// detected; always disables the offending Gear.
	Integrity
	// Timeout means a sandbox or job timer expired.
	Timeout
	// Cancelled means a cancellation token tripped; must propagate through
	// every layer, never be swallowed.
	Cancelled
	// Upstream means an external provider was unreachable; retriable with
	// backoff up to max_attempts.
	Upstream
	// Internal means an invariant was violated; logged, job moves to
	// failed.
	Internal
)

// String renders the Kind for logging.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case Integrity:
		return "integrity"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Upstream:
		return "upstream"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the structured error type used throughout the control plane. It
// preserves a Kind, a human-readable message, and an optional cause so
// errors.Is/As continue to work across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given Kind with the supplied message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns an Error of the
// given Kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts an existing error into an Error of the given Kind, chaining
// the original as Cause. The returned Error always carries kind, even when
// err is itself an *Error of another Kind.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap exposes Cause so errors.Is/As traverse the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether an error (or any error in its chain) carries the given
// Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or Unknown if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retriable reports whether the error's Kind is one the caller may retry:
// Conflict (semantically, if the operation is idempotent), Upstream, and
// Timeout. A timeout is non-retriable for the step that produced it (the
// sandbox session that timed out is already torn down), but the job still
// follows its retry policy and re-executes the step fresh.
func Retriable(err error) bool {
	switch KindOf(err) {
	case Conflict, Upstream, Timeout:
		return true
	default:
		return false
	}
}
