// Package errors provides unified error handling with structured error codes.
// Codes classify failures into input, transport, and pipeline classes so that
// retry policy and client-facing payloads can be derived from one place.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeUnknown Code = "unknown"

	// Input errors. Surfaced immediately, never retried.
	CodeUnsupportedFormat Code = "unsupported_format"
	CodeEmptySource       Code = "empty_source"
	CodeInvalidRequest    Code = "invalid_request"
	CodeNotFound          Code = "not_found"

	// Transport errors from external services.
	CodeUnavailable    Code = "unavailable"
	CodeTimeout        Code = "timeout"
	CodeRateLimited    Code = "rate_limited"
	CodeAuth           Code = "auth_failed"
	CodeQuotaExhausted Code = "quota_exhausted"

	// Pipeline errors. Terminal for a processing run.
	CodeTranscriptionFailed Code = "transcription_failed"
	CodeGenerationFailed    Code = "generation_failed"
	CodeCancelled           Code = "cancelled"

	// Protocol misuse on conversation state. Defensive, not user-facing.
	CodeUnknownTurn Code = "unknown_turn"

	CodeInternal Code = "internal"
)

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError. Wrapping with CodeUnknown
// preserves the inner error's code when it has one.
func Wrap(err error, code Code, msg string) *AppError {
	if code == CodeUnknown {
		code = CodeOf(err)
	}
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the code from an error chain, CodeUnknown if none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable returns true if the error is a transient failure worth retrying.
// Input errors, auth failures, and exhausted quotas are permanent.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}
