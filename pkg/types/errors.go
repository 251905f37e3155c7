package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the supervisor. The kind decides
// the propagation policy: transient venue errors are retried by the
// adapter, kernel recoverables are counted by the supervisor, and
// everything else surfaces as a state transition plus an error event.
type ErrorKind string

const (
	ErrKindConfig              ErrorKind = "config"
	ErrKindVenueTransient      ErrorKind = "venue_transient"
	ErrKindVenuePermanent      ErrorKind = "venue_permanent"
	ErrKindRiskDenied          ErrorKind = "risk_denied"
	ErrKindKernelRecoverable   ErrorKind = "kernel_recoverable"
	ErrKindLedger              ErrorKind = "ledger_consistency"
	ErrKindCancellationTimeout ErrorKind = "cancellation_timeout"
	ErrKindBacktest            ErrorKind = "backtest"
)

// Error is the typed error carried across component boundaries. Op
// names the failing operation, Message is the human-readable cause.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps an underlying error with a kind and operation.
func WrapErr(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
