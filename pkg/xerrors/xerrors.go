// Package xerrors models the error kinds xpd's external interfaces report
// (§7), so the admin API can map an error to an HTTP status without string
// matching against handler-local literals.
package xerrors

import "errors"

// Kind is one of the error kinds §7 enumerates for the admin/join API.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUnauthorized    Kind = "unauthorized"
	KindForwardToLeader Kind = "forward_to_leader"
	KindUpstreamFailure Kind = "upstream_failure"
	KindExhausted       Kind = "exhausted"
	KindPartial         Kind = "partial"
	KindSchemaMismatch  Kind = "schema_mismatch"
	KindInternal        Kind = "internal"
)

// Error pairs a Kind with a human-readable message, so a handler can return
// one error value and have the HTTP layer pick the status code from Kind
// alone.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts the Kind from err if it (or something it wraps) is an *Error,
// defaulting to KindInternal otherwise.
func As(err error) (kind Kind, message string) {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind, xerr.Message
	}
	return KindInternal, err.Error()
}
