// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-echo.

package api

import (
	"errors"
	"fmt"
	"syscall"
)

// Common errors used across the library.
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNoMemory          = fmt.Errorf("%w: buffer allocation failed", ErrResourceExhausted)
	ErrNotSupported      = errors.New("operation not supported")
	ErrAlreadyExists     = errors.New("resource already exists")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeSetup
	ErrCodeIO
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeResourceExhausted: "resource_exhausted",
	ErrCodeNotSupported:      "not_supported",
	ErrCodeSetup:             "setup",
	ErrCodeIO:                "io",
	ErrCodeInternal:          "internal",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a structured error with code, context and an optional
// underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) != 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// SetupError wraps a failure to create an OS resource (poller, wakeup
// channel, listening socket).
func SetupError(message string, cause error) *Error {
	e := NewError(ErrCodeSetup, message)
	e.Cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf classifies err. An *Error reports its own code; the package
// sentinels and raw errnos map to their codes; anything else is
// ErrCodeInternal. A nil error maps to ErrCodeOK.
func CodeOf(err error) ErrorCode {
	var (
		e     *Error
		errno syscall.Errno
	)
	switch {
	case err == nil:
		return ErrCodeOK
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, ErrResourceExhausted):
		return ErrCodeResourceExhausted
	case errors.Is(err, ErrNotSupported):
		return ErrCodeNotSupported
	case errors.As(err, &errno):
		return ErrCodeIO
	}
	return ErrCodeInternal
}
