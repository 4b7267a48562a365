package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed error taxonomy the workflow engine routes on.
// Executors and collaborators attach a Kind to every failure; the
// orchestrator's failure router is the only place that turns a Kind
// into a retry/rollback/terminal decision.
type Kind string

const (
	// User-visible (4xx class).
	KindNotFound      Kind = "not-found"
	KindNotAuthorized Kind = "not-authorized"
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"

	// Recoverable by rolling back to the previous stage.
	KindInvalidInput   Kind = "invalid-input"
	KindSchemaMismatch Kind = "schema-mismatch"

	// Retryable.
	KindTimeout             Kind = "timeout"
	KindRateLimited         Kind = "rate-limited"
	KindQuotaExceeded       Kind = "quota-exceeded"
	KindUpstreamUnavailable Kind = "upstream-unavailable"
	KindNetwork             Kind = "network"
	KindBackendUnavailable  Kind = "backend-unavailable"

	// Queue lease ownership lost mid-job.
	KindStaleLease Kind = "stale-lease"

	// Terminal for the workflow.
	KindNoInput  Kind = "no-input"
	KindInternal Kind = "internal"
)

var retryableKinds = map[Kind]bool{
	KindTimeout:             true,
	KindRateLimited:         true,
	KindQuotaExceeded:       true,
	KindUpstreamUnavailable: true,
	KindNetwork:             true,
	KindBackendUnavailable:  true,
}

type Error struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. Retryable defaults from the kind table.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: retryableKinds[kind], Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// WithRetryAfter attaches a retry hint (e.g. quota windows).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	e.RetryAfter = d
	return e
}

// KindOf classifies an arbitrary error. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.Retryable
	}
	return retryableKinds[KindOf(err)]
}

// RetryAfterOf returns the retry hint on err, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.RetryAfter
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
