package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an AppError for transport mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindNotFound
	KindUnavailable
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind ErrorKind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindInternal, Err: err}
}

// InvalidInput constructs an AppError for caller mistakes.
func InvalidInput(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindInvalidInput, Err: err}
}

// NotFound constructs an AppError for missing resources.
func NotFound(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindNotFound, Err: err}
}

// Unavailable constructs an AppError for dependencies that cannot be reached.
func Unavailable(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindUnavailable, Err: err}
}

// KindOf reports the kind of the first AppError in err's chain.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
