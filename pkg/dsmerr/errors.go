// Package dsmerr defines the typed error taxonomy shared by every
// storage-node subsystem. Every public operation returns an *Error
// (or nil) so callers can branch on Kind without parsing messages.
package dsmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and metrics purposes.
type Kind string

const (
	Validation      Kind = "validation"
	NotFound        Kind = "not_found"
	InvalidState    Kind = "invalid_state"
	InvalidOp       Kind = "invalid_operation"
	Serialization   Kind = "serialization"
	Storage         Kind = "storage"
	Network         Kind = "network"
	Crypto          Kind = "crypto"
	Timeout         Kind = "timeout"
	QueueFull       Kind = "queue_full"
	ConcurrencyCap  Kind = "concurrency_limit"
	QuotaExceeded   Kind = "quota_exceeded"
	Integrity       Kind = "integrity"
)

// Meta describes how a Kind should be handled by upper layers: whether
// it should be retried against another peer and whether it counts
// toward backend failure metrics.
type Meta struct {
	Retryable    bool
	CountsMetric bool
}

var registry = map[Kind]Meta{
	Validation:     {Retryable: false, CountsMetric: false},
	NotFound:       {Retryable: false, CountsMetric: false},
	InvalidState:   {Retryable: false, CountsMetric: false},
	InvalidOp:      {Retryable: false, CountsMetric: false},
	Serialization:  {Retryable: false, CountsMetric: true},
	Storage:        {Retryable: true, CountsMetric: true},
	Network:        {Retryable: true, CountsMetric: true},
	Crypto:         {Retryable: false, CountsMetric: true},
	Timeout:        {Retryable: true, CountsMetric: true},
	QueueFull:      {Retryable: true, CountsMetric: false},
	ConcurrencyCap: {Retryable: true, CountsMetric: false},
	QuotaExceeded:  {Retryable: false, CountsMetric: false},
	Integrity:      {Retryable: false, CountsMetric: true},
}

// MetaOf returns the handling metadata for a Kind.
func MetaOf(k Kind) Meta {
	return registry[k]
}

// Error is the concrete error type returned by storage-node operations.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "storage.Store"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
