package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the module.
type ErrorCode string

// Pool error codes
const (
	ErrPoolClosed       ErrorCode = "POOL_CLOSED"
	ErrAcquireTimeout   ErrorCode = "ACQUIRE_TIMEOUT"
	ErrAcquireFailed    ErrorCode = "ACQUIRE_FAILED"
	ErrConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrConnectionBroken ErrorCode = "CONNECTION_BROKEN"
	ErrNotCheckedOut    ErrorCode = "NOT_CHECKED_OUT"
	ErrInvalidConfig    ErrorCode = "INVALID_CONFIG"
)

// Backend error codes
const (
	ErrDriverNotFound ErrorCode = "DRIVER_NOT_FOUND"
	ErrQueryTimeLimit ErrorCode = "QUERY_TIME_LIMIT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Partition int       `json:"partition,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns a copy of e carrying cause. The receiver is left untouched so
// package-level sentinels can be wrapped safely.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPartition sets the partition index the error originated from.
func (e *Error) WithPartition(partition int) *Error {
	e.Partition = partition
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
