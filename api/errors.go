// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-netcore.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors used across the library. Components wrap them with
// errors.Wrap; callers match with errors.Cause or errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrFraming           = errors.New("framing error")
	ErrTransform         = errors.New("transform failed")
	ErrShortBuffer       = errors.New("short buffer")
	ErrClosed            = errors.New("socket closed")
	ErrBufferInUse       = errors.New("buffer already in use")
	ErrNotReady          = errors.New("stream header not stripped yet")
	ErrNotSupported      = errors.New("operation not supported")
	ErrReactorClosed     = errors.New("reactor closed")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap maps the code to its sentinel so errors.Is matches it.
func (e *Error) Unwrap() error {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeResourceExhausted:
		return ErrResourceExhausted
	case ErrCodeNotSupported:
		return ErrNotSupported
	}
	return nil
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
