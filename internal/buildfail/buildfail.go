// Package buildfail defines the error taxonomy shared across the build
// pipeline. Every failure that crosses a component boundary is wrapped in an
// *Error so callers can route on kind and on whether a retry is worthwhile.
package buildfail

import (
	"errors"
	"fmt"
)

// Kind identifies the failure category reported to callers and operators.
type Kind string

const (
	KindAuth              Kind = "auth_error"
	KindSchema            Kind = "schema_error"
	KindReplay            Kind = "replay_error"
	KindAttachment        Kind = "attachment_error"
	KindSequence          Kind = "sequence_error"
	KindAgent             Kind = "agent_error"
	KindPublish           Kind = "publish_error"
	KindDeployTimeout     Kind = "deploy_timeout"
	KindCallbackExhausted Kind = "callback_exhausted"
	KindInternal          Kind = "internal_error"
)

// Class separates errors worth retrying from those that are not.
type Class int

const (
	// Fatal errors escalate immediately.
	Fatal Class = iota
	// Transient errors (network blips, rate limits) may be retried with
	// backoff before escalating.
	Transient
)

// Error carries a failure kind and retry class alongside the cause.
type Error struct {
	Kind  Kind
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fatal error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Class: Fatal, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, keeping it fatal.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Class: Fatal, Err: err}
}

// WrapTransient attaches a kind to an existing error and marks it retryable.
func WrapTransient(kind Kind, err error) *Error {
	return &Error{Kind: kind, Class: Transient, Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Class == Transient
	}
	return false
}

// KindOf returns the kind attached to err, or KindInternal when none is.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}
