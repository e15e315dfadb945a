// Package fault defines the error taxonomy shared by all components.
// Failures cross component boundaries as a Kind plus a message rather than
// raw driver or transport errors.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; errors outside the taxonomy map here.
	KindUnknown Kind = iota
	// KindValidation marks malformed parameters or amounts.
	KindValidation
	// KindNotFound marks a missing task, wallet, or batch.
	KindNotFound
	// KindConflict marks a wrong status, wrong assignee, or a lost
	// conditional update.
	KindConflict
	// KindIntegrity marks a digest or signature mismatch; the whole batch
	// is rejected.
	KindIntegrity
	// KindInsufficientBalance marks a deduction exceeding the current balance.
	KindInsufficientBalance
	// KindTransient marks an unavailable persistence or transport
	// collaborator. Surfaced to the caller, never auto-retried.
	KindTransient
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "state_conflict"
	case KindIntegrity:
		return "integrity"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

// Integrity returns a KindIntegrity error.
func Integrity(format string, args ...any) *Error {
	return &Error{kind: KindIntegrity, msg: fmt.Sprintf(format, args...)}
}

// InsufficientBalance returns a KindInsufficientBalance error.
func InsufficientBalance(format string, args ...any) *Error {
	return &Error{kind: KindInsufficientBalance, msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a store or transport error as KindTransient.
func Transient(err error, format string, args ...any) *Error {
	return &Error{kind: KindTransient, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors outside
// the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
