// Package errors provides structured error handling for Conveyor.
//
// Every failure in the connector core is classified into one of four
// categories, which determines how the pipeline runner reacts to it:
//
//   - ErrorTypeConfig: invalid or missing options; fatal at construction,
//     never produced at runtime.
//   - ErrorTypeTransient: the backend is temporarily unavailable; retried
//     with backoff at the point of origin (poll or write).
//   - ErrorTypePermanent: a record is malformed or unprocessable; isolated
//     to the offending record via the rescue path, never fails the batch.
//   - ErrorTypeFatal: the connector entered an unrecoverable state; the
//     pipeline stops and the error is surfaced to the operator.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConfig represents invalid or missing configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConflict represents duplicate registration conflicts
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeNotFound represents unknown connector type lookups
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTransient represents temporarily failing backend operations
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent represents unprocessable records
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeFatal represents unrecoverable connector states
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeInternal represents contract violations inside the core
	ErrorTypeInternal ErrorType = "internal"
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

// Unwrap returns the underlying error for errors.Is / errors.As chains
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing
// the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. Returns nil if err is nil.
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

// IsRetryable returns true if the error is a transient failure that should
// be retried with backoff. Unclassified errors are not retried; losing a
// retry on an unknown error is safer than spinning on a permanent one.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeTransient
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the classification of err, or ErrorTypeInternal for
// errors created outside this package.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack up to maxFrames deep
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
