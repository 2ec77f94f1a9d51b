package task

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and transport-mapping decisions.
// Kinds are behavioral categories, not types: every error crossing a
// component boundary carries exactly one.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnavailable
	KindNotFound
	KindAlreadyTerminal
	KindTransient
	KindToolBudgetExhausted
	KindCancelled
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindAlreadyTerminal:
		return "already_terminal"
	case KindTransient:
		return "transient"
	case KindToolBudgetExhausted:
		return "tool_budget_exhausted"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kind-tagged error from a format string.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapE tags an underlying error with a kind and context message.
func WrapE(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Context cancellation maps
// to KindCancelled, deadline expiry to KindTransient; anything untagged is
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
