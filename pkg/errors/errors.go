// Package errors provides structured error handling for Strata
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeRateLimit represents rate limit errors (HTTP 429 class)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeRetryExhausted indicates all retry attempts failed or the
	// circuit for the component is open
	ErrorTypeRetryExhausted ErrorType = "retry_exhausted"
	// ErrorTypeChecksum indicates a Bronze partition failed integrity
	// verification in strict mode
	ErrorTypeChecksum ErrorType = "checksum_validation_failed"
	// ErrorTypeSchema indicates strict schema mode hit an unexpected column
	ErrorTypeSchema ErrorType = "schema_validation_failed"
	// ErrorTypeStateTransition indicates an invalid watermark or checkpoint
	// transition; prior state is preserved
	ErrorTypeStateTransition ErrorType = "state_transition_rejected"
	// ErrorTypeDataQuality indicates a configured quality rule breached its
	// threshold at fail severity
	ErrorTypeDataQuality ErrorType = "data_quality_violation"
	// ErrorTypeData represents general data processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is transient and worth retrying.
// Timeouts, connection failures, and rate-limit rejections are retryable;
// validation, schema, checksum, and state errors are not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// FromHTTPStatus classifies an HTTP status code into an error type.
// 429 and 5xx map to retryable classes; other 4xx are validation failures.
func FromHTTPStatus(status int, message string) *Error {
	var errType ErrorType
	switch {
	case status == 429:
		errType = ErrorTypeRateLimit
	case status >= 500:
		errType = ErrorTypeConnection
	case status >= 400:
		errType = ErrorTypeValidation
	default:
		errType = ErrorTypeInternal
	}

	e := New(errType, message)
	e.WithDetail("http_status", status)
	return e
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
