// Package apperr defines the error taxonomy shared by connectors, the
// analysis engine and the transports.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for user-visible reporting.
type Kind string

const (
	KindConnector   Kind = "connector"
	KindParse       Kind = "parse"
	KindProvider    Kind = "provider"
	KindBreakerOpen Kind = "breaker_open"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindCapacity    Kind = "capacity"
	KindInput       Kind = "input"
	KindNotFound    Kind = "not_found"
	KindInvalid     Kind = "invalid"
	KindInternal    Kind = "internal"
)

var (
	ErrBreakerOpen   = errors.New("circuit breaker is open")
	ErrCancelled     = errors.New("run cancelled")
	ErrRunTimeout    = errors.New("run timed out")
	ErrNotFound      = errors.New("not found")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrEmptyInput    = errors.New("no log lines in input")
)

// Error is an error annotated with its kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Explicit kinds win; otherwise sentinel and context
// errors are mapped, and anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalid
	case errors.Is(err, ErrEmptyInput):
		return KindInput
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Fallbackable reports whether a failed inference may be retried against a
// fallback provider. Breaker-open and provider failures qualify; deadlines
// and cancellations do not.
func Fallbackable(err error) bool {
	switch KindOf(err) {
	case KindBreakerOpen, KindProvider:
		return true
	}
	return false
}
