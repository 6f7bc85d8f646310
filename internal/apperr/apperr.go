// Package apperr defines the error taxonomy shared by the gate, orchestrator, worker and API.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error identifier.
type Code string

// Error codes surfaced to callers.
const (
	CodeURLNotAllowed       Code = "URL_NOT_ALLOWED"
	CodeInvalidTarget       Code = "INVALID_TARGET"
	CodeJobNotFound         Code = "JOB_NOT_FOUND"
	CodeJobFailed           Code = "JOB_FAILED"
	CodeJobTimeout          Code = "JOB_TIMEOUT"
	CodeTooManyRedirects    Code = "TOO_MANY_REDIRECTS"
	CodeDuplicateJob        Code = "DUPLICATE_JOB"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrURLNotAllowed       = &Error{Code: CodeURLNotAllowed}
	ErrInvalidTarget       = &Error{Code: CodeInvalidTarget}
	ErrJobNotFound         = &Error{Code: CodeJobNotFound}
	ErrJobFailed           = &Error{Code: CodeJobFailed}
	ErrJobTimeout          = &Error{Code: CodeJobTimeout}
	ErrTooManyRedirects    = &Error{Code: CodeTooManyRedirects}
	ErrDuplicateJob        = &Error{Code: CodeDuplicateJob}
	ErrInsufficientCredits = &Error{Code: CodeInsufficientCredits}
)

// Error carries a Code plus a human readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New builds an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf returns the first Code found in err's chain, or "" when none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type unrecoverable struct {
	err error
}

func (u *unrecoverable) Error() string { return u.err.Error() }
func (u *unrecoverable) Unwrap() error { return u.err }

// Unrecoverable marks err as non-retryable. Retry loops stop immediately on such errors.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverable{err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var u *unrecoverable
	return !errors.As(err, &u)
}
