package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindInternal is the catch-all; retried once, then dead.
	KindInternal Kind = iota
	// KindBadRequest is a validation failure. Never retried.
	KindBadRequest
	// KindAuthFailure means invalid or expired installation credentials.
	KindAuthFailure
	// KindRateLimited means the upstream throttled us.
	KindRateLimited
	// KindUpstreamUnavailable covers 5xx, network errors and timeouts.
	KindUpstreamUnavailable
	// KindArtifactTooLarge is terminal for the offending artifact.
	KindArtifactTooLarge
	// KindArtifactExpired is terminal for the offending artifact.
	KindArtifactExpired
	// KindParseError is a malformed report entry.
	KindParseError
	// KindStoreConflict is a concurrent upsert race.
	KindStoreConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindArtifactTooLarge:
		return "artifact_too_large"
	case KindArtifactExpired:
		return "artifact_expired"
	case KindParseError:
		return "parse_error"
	case KindStoreConflict:
		return "store_conflict"
	default:
		return "internal_error"
	}
}

// Error is a classified error. RetryAfter is set for rate-limit errors that
// carry an upstream reset time.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Time
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates a classified error with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// RateLimited creates a rate-limit error carrying the upstream reset time.
func RateLimited(reset time.Time, err error) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limited", RetryAfter: reset, wrapped: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the reset time attached to a rate-limit error, if any.
func RetryAfterOf(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && !e.RetryAfter.IsZero() {
		return e.RetryAfter, true
	}
	return time.Time{}, false
}
