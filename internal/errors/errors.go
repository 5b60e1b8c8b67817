// Package errors provides the typed error taxonomy used across the ensemble
// runtime. Retry and circuit-breaker decisions pattern-match on Kind, never
// on error strings.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure for retry, breaker, and reporting decisions.
type Kind string

const (
	// KindTimeout is a deadline or per-call timeout.
	KindTimeout Kind = "TIMEOUT"

	// KindNetwork is a transport failure: DNS, reset, refused connection.
	KindNetwork Kind = "NETWORK"

	// KindRateLimited is a provider 429.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindProvider5XX is a transient upstream server error.
	KindProvider5XX Kind = "PROVIDER_5XX"

	// KindInvalidPayload is a missing or empty provider completion.
	KindInvalidPayload Kind = "PROVIDER_INVALID_PAYLOAD"

	// KindAuth is a provider 401/403.
	KindAuth Kind = "AUTH"

	// KindBreakerOpen is a short-circuit from an open circuit breaker.
	KindBreakerOpen Kind = "BREAKER_OPEN"

	// KindInvalidInput is a client-side validation failure.
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindQueueFull means admission was denied on queue capacity.
	KindQueueFull Kind = "QUEUE_FULL"

	// KindRateExceeded means admission was denied on the per-user rate.
	KindRateExceeded Kind = "RATE_EXCEEDED"

	// KindCancelled is a deadline expiry or caller cancellation.
	KindCancelled Kind = "CANCELLED"

	// KindProgrammerBug is an internal invariant violation.
	KindProgrammerBug Kind = "PROGRAMMER_BUG"
)

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload:
		return true
	default:
		return false
	}
}

// CountsTowardBreaker reports whether failures of this kind should trip the
// circuit breaker. Authentication and client-side failures never trip it.
func (k Kind) CountsTowardBreaker() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload:
		return true
	default:
		return false
	}
}

// Error is the single structured error type of the runtime.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Model    string
	Role     string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Model != "" {
		msg = fmt.Sprintf("%s (model %s)", msg, e.Model)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithModel returns a copy of the error annotated with provider and model.
func (e *Error) WithModel(provider, model string) *Error {
	clone := *e
	clone.Provider = provider
	clone.Model = model
	return &clone
}

// WithRole returns a copy of the error annotated with a role label.
func (e *Error) WithRole(role string) *Error {
	clone := *e
	clone.Role = role
	return &clone
}

// KindOf extracts the Kind from any error. Context cancellation maps to
// KindCancelled; anything else unrecognized is a programmer bug.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindProgrammerBug
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried. Nil and unknown errors are
// not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
