package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a misuse of the system handle or a failure while
// starting its extensions.
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Name identifies the sender or component involved, if any.
	Name string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNotStarted indicates an operation that needs a started system.
	ErrCodeNotStarted RuntimeErrorCode = "NOT_STARTED"

	// ErrCodeAlreadyStarted indicates Start was called twice, or a component
	// was added after Start.
	ErrCodeAlreadyStarted RuntimeErrorCode = "ALREADY_STARTED"

	// ErrCodeClosed indicates the system has been closed.
	ErrCodeClosed RuntimeErrorCode = "CLOSED"

	// ErrCodeDuplicateSender indicates two senders share a name.
	ErrCodeDuplicateSender RuntimeErrorCode = "DUPLICATE_SENDER"

	// ErrCodeSenderInit indicates a sender's Init failed.
	ErrCodeSenderInit RuntimeErrorCode = "SENDER_INIT"

	// ErrCodeQuotaExceeded indicates a batch larger than the configured limit.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Name != "" {
		msg = fmt.Sprintf("%s (name=%s)", msg, e.Name)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is a RuntimeError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsDuplicateSender returns true if err reports a sender name collision.
func IsDuplicateSender(err error) bool {
	return HasCode(err, ErrCodeDuplicateSender)
}

// IsQuotaError returns true if err reports an oversized batch.
func IsQuotaError(err error) bool {
	return HasCode(err, ErrCodeQuotaExceeded)
}

func newStateError(code RuntimeErrorCode, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// NewQuotaError creates a RuntimeError for a batch over the limit.
func NewQuotaError(size, limit int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("batch of %d events exceeds the limit of %d", size, limit),
	}
}
