package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in vboxhalt.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Management API
	ErrCodeAPIUnavailable  ErrorCode = 2001
	ErrCodeMachineNotFound ErrorCode = 2002
	ErrCodeSessionLock     ErrorCode = 2003

	// Shutdown protocol
	ErrCodeReentrancy ErrorCode = 3001
	ErrCodeTimeout    ErrorCode = 3002

	// Executor
	ErrCodeWorkerStart ErrorCode = 4001

	// Host integration
	ErrCodeVeto ErrorCode = 5001
)

// HaltError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type HaltError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *HaltError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *HaltError) Unwrap() error {
	return e.Err
}

// New creates a new HaltError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &HaltError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost HaltError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var he *HaltError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return ErrCodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Personal.AI order the ending
