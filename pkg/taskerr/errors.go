// Package taskerr defines the structured error taxonomy shared by every stage of the
// task pipeline.
package taskerr

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeValidation     = "VALIDATION"
	CodeClassification = "CLASSIFICATION"
	CodeTransport      = "TRANSPORT"
	CodeProtocol       = "PROTOCOL"
	CodeExecution      = "EXECUTION"
	CodeDispatch       = "DISPATCH"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

// Error is a structured error carrying the responsible stage.
type Error struct {
	Code    string `json:"code"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code, stage, message string) *Error {
	return &Error{Code: code, Stage: stage, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, stage, format string, args ...interface{}) *Error {
	return &Error{Code: code, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around cause.
func Wrap(code, stage, message string, cause error) *Error {
	return &Error{Code: code, Stage: stage, Message: message, Err: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code string) bool {
	for err != nil {
		var te *Error
		if !errors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.Err
	}
	return false
}

// Retryable reports whether callers may retry the failed operation.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransport
}
