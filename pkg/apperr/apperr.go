package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind int

const (
	// KindInput is a caller mistake: validation failure, reserved
	// endpoint or port, over-quota request, unknown node. Maps to 400.
	KindInput Kind = iota

	// KindPrecondition is a state the caller must change first: not
	// approved, container not initialized. Maps to 403/409.
	KindPrecondition

	// KindTransient is a retriable backend failure (5xx, timeout, copy
	// job still running). Never surfaces to clients directly; it is
	// retried and converted to KindOperation when the deadline elapses.
	KindTransient

	// KindOperation is an unrecoverable backend failure. Maps to 500.
	KindOperation
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindPrecondition:
		return "precondition"
	case KindTransient:
		return "transient"
	case KindOperation:
		return "operation"
	default:
		return "unknown"
	}
}

// Error is a classified error with a stable short code for clients.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Input is shorthand for New(KindInput, ...).
func Input(code, format string, args ...any) *Error {
	return Newf(KindInput, code, format, args...)
}

// Precondition is shorthand for New(KindPrecondition, ...).
func Precondition(code, format string, args ...any) *Error {
	return Newf(KindPrecondition, code, format, args...)
}

// Transient is shorthand for Wrap(KindTransient, ...).
func Transient(code, msg string, err error) *Error {
	return Wrap(KindTransient, code, msg, err)
}

// Operation is shorthand for Wrap(KindOperation, ...).
func Operation(code, msg string, err error) *Error {
	return Wrap(KindOperation, code, msg, err)
}

// KindOf returns the kind of err, or KindOperation for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindOperation
}

// CodeOf returns the stable code of err, or "internal" if unclassified.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal"
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// AsOperation converts a transient error whose retry budget is exhausted
// into an operation error, preserving code and cause.
func AsOperation(err error) error {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindTransient {
		return &Error{Kind: KindOperation, Code: ae.Code, Msg: ae.Msg + " (deadline exceeded)", Err: ae.Err}
	}
	return err
}
