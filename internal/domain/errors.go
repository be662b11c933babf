package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags an Error with its place in the gateway's error taxonomy.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindAuth                ErrorKind = "auth_error"
	KindRateLimited         ErrorKind = "rate_limit_exceeded"
	KindPoolExhausted       ErrorKind = "pool_exhausted"
	KindUpstream            ErrorKind = "upstream_error"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindCache               ErrorKind = "cache_error"
	KindInternal            ErrorKind = "internal_error"
)

// Error is the typed error carried by every failed ToolResponse.
type Error struct {
	Kind    ErrorKind
	Message string
	// UpstreamStatus is the HTTP status returned by the upstream (upstream_error only).
	UpstreamStatus int
	// RetryAfter is the admission hint for rate_limit_exceeded.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.UpstreamStatus != 0 {
		msg = fmt.Sprintf("%s (upstream status %d)", msg, e.UpstreamStatus)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may safely retry the same request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamUnavailable, KindPoolExhausted, KindRateLimited:
		return true
	default:
		return false
	}
}

// NewValidationError reports malformed or out-of-range input.
func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// NewAuthError reports a missing, malformed, expired or unverifiable credential.
func NewAuthError(msg string, err error) *Error {
	return &Error{Kind: KindAuth, Message: msg, Err: err}
}

// NewRateLimitError reports an admission denial with a retry hint.
func NewRateLimitError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// NewUpstreamError reports a reachable upstream that answered with a failure status.
func NewUpstreamError(status int, msg string) *Error {
	return &Error{Kind: KindUpstream, Message: msg, UpstreamStatus: status}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// AsError classifies any error into the taxonomy. Errors that already carry a
// kind keep it; context deadlines become upstream_unavailable; everything else
// is internal_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindUpstreamUnavailable, "timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(KindUpstreamUnavailable, "request cancelled", err)
	}
	return WrapError(KindInternal, "internal error", err)
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return ""
}
