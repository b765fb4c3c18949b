// Package gwerr defines the gateway's error kinds and classification,
// per spec.md §7.
package gwerr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error kinds spec.md §7 names. It is a
// classification, not an exception type hierarchy.
type Kind string

const (
	KindClientRequestInvalid   Kind = "ClientRequestInvalid"
	KindUnauthenticatedUpstream Kind = "UnauthenticatedUpstream"
	KindQuotaExhausted         Kind = "QuotaExhausted"
	KindTransientUpstream      Kind = "TransientUpstream"
	KindInvalidSignatureRejected Kind = "InvalidSignatureRejected"
	KindToolChainBroken        Kind = "ToolChainBroken"
	KindConfigMissing          Kind = "ConfigMissing"
	KindInternalBug            Kind = "InternalBug"
)

// Error is the gateway's error envelope. Status is the HTTP status that
// should be reflected to the client when this error terminates a request.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
	// RetryAfter is populated for KindQuotaExhausted when upstream supplied
	// a retry-after/retryDelay duration (spec.md §4.6 rule 4).
	RetryAfter *DurationSeconds
}

// DurationSeconds avoids importing time here to keep this package leaf-level;
// router.ParseRetryDelay returns a time.Duration which callers convert.
type DurationSeconds float64

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error, wrapping cause with a stack trace via
// github.com/pkg/errors when cause is non-nil and not already wrapped —
// this is the one place the gateway keeps stack context around fallback
// misclassification, which is otherwise hard to debug from logs alone.
func New(kind Kind, status int, message string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Status: status, Message: message, Cause: cause}
}

// Fallbackable reports whether this error kind should advance the backend
// fallback chain (spec.md §4.6 rule 3 / §7).
func (e *Error) Fallbackable() bool {
	switch e.Kind {
	case KindQuotaExhausted, KindTransientUpstream:
		return true
	default:
		return false
	}
}

// Retryable reports whether the sanitizer should be re-run with thinking
// forcibly disabled and the same backend retried once (spec.md §7).
func (e *Error) Retryable() bool {
	return e.Kind == KindInvalidSignatureRejected
}

// AsGatewayError unwraps err into a *Error, synthesizing an InternalBug
// wrapper if it isn't already one.
func AsGatewayError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return New(KindInternalBug, http.StatusBadGateway, "unclassified error", err)
}
