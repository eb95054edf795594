package seerr

import (
	"errors"
	"fmt"
)

// Error carries a return code out of an SE API operation.
//
// Op names the failing operation ("startTransaction", "exportData", ...).
// Err is the underlying cause and may be nil for pure precondition failures.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with no underlying cause.
func New(op string, code Code) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap attaches a code to err. A nil err stays nil.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the return code from err.
// Returns ExecutionOK for nil and StorageFailure for errors that carry no code.
func CodeOf(err error) Code {
	if err == nil {
		return ExecutionOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return StorageFailure
}

// Is reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func Is(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// Recode replaces the code of err while keeping its cause chain.
// Used when a collaborator code must surface under the caller's operation.
func Recode(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return &Error{Code: code, Op: op, Err: se.Err}
	}
	return &Error{Code: code, Op: op, Err: err}
}
