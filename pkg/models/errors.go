package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a Trove error.
type ErrorCode string

// Error codes for Trove operations.
const (
	// Configuration and validation errors
	ErrInvalidConfig ErrorCode = "E_INVALID_CONFIG"

	// Known operational failures, surfaced verbatim to the user
	ErrKnown ErrorCode = "E_KNOWN"

	// Transient upstream failures (network, 429, 5xx); retried
	ErrTransient ErrorCode = "E_TRANSIENT"

	// Store transaction failures inside the indexer
	ErrStoreFatal ErrorCode = "E_STORE_FATAL"

	// Lookup errors
	ErrSourceNotFound   ErrorCode = "E_SOURCE_NOT_FOUND"
	ErrTypeNotFound     ErrorCode = "E_TYPE_NOT_FOUND"
	ErrDocumentNotFound ErrorCode = "E_DOCUMENT_NOT_FOUND"
	ErrUnknownTask      ErrorCode = "E_UNKNOWN_TASK"

	// Everything else
	ErrInternal ErrorCode = "E_INTERNAL"
)

// TroveError represents a structured error with code and context.
type TroveError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *TroveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *TroveError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TroveError.
func NewError(code ErrorCode, message string) *TroveError {
	return &TroveError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to the error.
func (e *TroveError) WithDetails(key string, value interface{}) *TroveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error.
func (e *TroveError) WithCause(cause error) *TroveError {
	e.Cause = cause
	return e
}

// Wrap wraps an error with a TroveError.
func Wrap(code ErrorCode, message string, cause error) *TroveError {
	return &TroveError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidConfig reports a user-visible configuration problem. The source
// row must not be created when this is returned.
func NewInvalidConfig(message string) *TroveError {
	return NewError(ErrInvalidConfig, message)
}

// NewKnown reports an expected operational failure whose message is passed
// through to the user verbatim.
func NewKnown(message string) *TroveError {
	return NewError(ErrKnown, message)
}

// NewTransient wraps an upstream failure that is safe to retry.
func NewTransient(cause error) *TroveError {
	return Wrap(ErrTransient, "transient upstream failure", cause)
}

// CodeOf extracts the ErrorCode from err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	var te *TroveError
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrInternal
}

// IsInvalidConfig reports whether err carries ErrInvalidConfig.
func IsInvalidConfig(err error) bool {
	return CodeOf(err) == ErrInvalidConfig
}

// IsKnown reports whether err carries ErrKnown.
func IsKnown(err error) bool {
	return CodeOf(err) == ErrKnown
}

// IsTransient reports whether err carries ErrTransient.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrTransient
}
