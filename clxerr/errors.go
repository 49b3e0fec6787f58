// Package clxerr defines the closed set of error kinds used across clxdb.
package clxerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the semantic error categories from the database's error
// handling design. Callers should classify errors with Is/KindOf rather than
// matching on message text.
type Kind int

const (
	// Unknown is the zero value; never returned by clxdb code directly.
	Unknown Kind = iota

	// NotFound means the referenced object is absent from the store.
	NotFound

	// Conflict means a CAS precondition failed.
	Conflict

	// AuthFailure means the wrong password or PIN was supplied.
	AuthFailure

	// CorruptedOrTampered means AEAD or signature verification failed.
	CorruptedOrTampered

	// TransportTransient means a network-ish, retryable failure occurred.
	TransportTransient

	// BackendUnavailable means the storage backend refused the request outright.
	BackendUnavailable

	// InvariantViolation means an internal consistency check failed.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case AuthFailure:
		return "AuthFailure"
	case CorruptedOrTampered:
		return "CorruptedOrTampered"
	case TransportTransient:
		return "TransportTransient"
	case BackendUnavailable:
		return "BackendUnavailable"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// clxError wraps an underlying cause with a Kind and a human-readable message.
type clxError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *clxError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *clxError) Unwrap() error {
	return e.cause
}

// New creates a new error of the given kind with no underlying cause.
func New(kind Kind, msg string) error {
	return &clxError{kind: kind, msg: msg}
}

// Newf is like New but with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &clxError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &clxError{kind: kind, msg: msg, cause: errors.WithStack(cause)}
}

// Wrapf is like Wrap but with fmt.Sprintf-style formatting.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &clxError{kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// KindOf returns the Kind attached to err, or Unknown if err was not produced
// by this package.
func KindOf(err error) Kind {
	var ce *clxError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return Unknown
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
