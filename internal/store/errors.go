package store

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is the panic value used when a store is used before Init.
// It signals a programmer error, never a recoverable condition.
var ErrNotInitialized = errors.New("store has not been initialized")

// ErrFaulted is wrapped by every error returned after the store's connection
// supervisor declared the connection dead. There is no automatic reconnect.
var ErrFaulted = errors.New("store connection has failed")

// ErrDuplicateEvent is wrapped by constraint errors raised for an
// (aggregate_id, event_id) pair that already exists.
var ErrDuplicateEvent = errors.New("event id already exists for aggregate")

// Kind categorizes store errors.
type Kind string

const (
	// KindConnection covers failures to establish or use the connection.
	KindConnection Kind = "CONNECTION"

	// KindConstraint means an append collided with an existing event id:
	// a sequencing bug on the caller's side, not an infrastructure fault.
	KindConstraint Kind = "CONSTRAINT"

	// KindSerialization means a payload or metadata value could not be
	// encoded on write or decoded on read.
	KindSerialization Kind = "SERIALIZATION"
)

// Error is the typed error returned by store operations.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "save events".
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ConnectionError wraps err as a connection error for op.
func ConnectionError(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// ConstraintError wraps err as a constraint violation for op.
func ConstraintError(op string, err error) *Error {
	return &Error{Kind: KindConstraint, Op: op, Err: err}
}

// SerializationError wraps err as a serialization error for op.
func SerializationError(op string, err error) *Error {
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

// IsConnection reports whether err is a connection error.
func IsConnection(err error) bool {
	return isKind(err, KindConnection)
}

// IsConstraintViolation reports whether err is a constraint violation.
func IsConstraintViolation(err error) bool {
	return isKind(err, KindConstraint)
}

// IsSerialization reports whether err is a serialization error.
func IsSerialization(err error) bool {
	return isKind(err, KindSerialization)
}

func isKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// MustBeInitialized panics with ErrNotInitialized when initialized is false.
func MustBeInitialized(initialized bool) {
	if !initialized {
		panic(ErrNotInitialized)
	}
}
