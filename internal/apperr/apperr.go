// Package apperr names the error kinds of spec §7 so that propagation
// policy (HTTP 200 vs 4xx vs 5xx, retry vs not) can switch on kind instead
// of string-matching error messages.
package apperr

import "errors"

// Kind is one of the §7 error kinds. It is a classification, not a type
// hierarchy — callers wrap with fmt.Errorf("...: %w", err) as usual and
// use As/Is to recover the Kind.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	AuthFailure       Kind = "auth_failure"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Timeout           Kind = "timeout"
	Rejected          Kind = "rejected"          // exchange said no
	TransientExchange Kind = "transient_exchange" // retryable
	FatalExchange     Kind = "fatal_exchange"     // not retryable
	InternalBug       Kind = "internal_bug"
)

// Error carries a Kind alongside the usual message/wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to InternalBug when err
// does not carry one.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return InternalBug
}

// IsRetryable reports whether err carries the TransientExchange kind.
// Nothing in this module calls it, and no code path retries such errors.
func IsRetryable(err error) bool {
	return KindOf(err) == TransientExchange
}
