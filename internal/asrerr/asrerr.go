// Package asrerr defines the coded error taxonomy shared across the
// coordination engine. Every error that crosses a component boundary carries
// a stable machine-readable code plus a human message; callers match with
// errors.Is against the canonical values and read details with errors.As.
package asrerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier. Codes are part of the
// external API: adapters forward them verbatim in error notifications.
type Code string

const (
	// QueueOverflow: queue capacity exceeded, oldest chunks were dropped.
	// Recoverable; absorbed at the queue with a drop counter.
	QueueOverflow Code = "QUEUE_OVERFLOW"

	// ReadTimeout: a blocking read expired before a new chunk arrived.
	// Recoverable; the caller decides to retry or abandon.
	ReadTimeout Code = "READ_TIMEOUT"

	// RangeEvicted: part or all of a requested timestamp range was already
	// evicted. Non-fatal; transcription proceeds on whatever remains.
	RangeEvicted Code = "RANGE_EVICTED"

	// InvalidTransition: the (state, event) pair is not in the strategy's
	// transition table. The event is rejected and state is unchanged.
	InvalidTransition Code = "INVALID_TRANSITION"

	// LeaseTimeout: no engine lease became available within the deadline.
	// Surfaced to the session, which moves to ERROR.
	LeaseTimeout Code = "LEASE_TIMEOUT"

	// EngineUnhealthy: a pooled engine instance failed its health probe or
	// tripped its breaker. Pool-internal; triggers quarantine and
	// replacement, invisible to sessions unless the pool is exhausted.
	EngineUnhealthy Code = "ENGINE_UNHEALTHY"

	// SessionNotFound: the caller referenced an unknown session id.
	SessionNotFound Code = "SESSION_NOT_FOUND"
)

// Error is a coded error. Two Errors match under errors.Is when their codes
// are equal, so contextual instances created with Newf still match the
// canonical values below.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Canonical errors, one per code. Use these as errors.Is targets; use Newf
// or Wrap to build instances carrying call-site context.
var (
	ErrQueueOverflow     = &Error{Code: QueueOverflow, Message: "queue capacity exceeded, oldest chunks dropped"}
	ErrReadTimeout       = &Error{Code: ReadTimeout, Message: "no chunk arrived before the read deadline"}
	ErrRangeEvicted      = &Error{Code: RangeEvicted, Message: "requested audio range was already evicted"}
	ErrInvalidTransition = &Error{Code: InvalidTransition, Message: "event is not legal in the current state"}
	ErrLeaseTimeout      = &Error{Code: LeaseTimeout, Message: "no engine lease available before the deadline"}
	ErrEngineUnhealthy   = &Error{Code: EngineUnhealthy, Message: "engine instance failed its health probe"}
	ErrSessionNotFound   = &Error{Code: SessionNotFound, Message: "no such session"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code. This makes
// errors.Is(err, asrerr.ErrLeaseTimeout) match every LEASE_TIMEOUT instance
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause. The cause stays reachable via
// errors.Unwrap/Is/As.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
