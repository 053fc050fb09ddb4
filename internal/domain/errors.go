package domain

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeConnection  Code = "connection_error"
	CodeAuth        Code = "auth_error"
	CodeBan         Code = "ban_error"
	CodeValidation  Code = "validation_error"
	CodeTimeout     Code = "timeout_error"
	CodeNotFound    Code = "not_found"
	CodeQueueFull   Code = "queue_full"
	CodeRateLimited Code = "rate_limited"
	CodeState       Code = "invalid_state"
)

// Error is a classified failure. Sentinels carry only a Code and match any
// Error of the same code through errors.Is.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

var (
	ErrConnection  = &Error{Code: CodeConnection}
	ErrAuth        = &Error{Code: CodeAuth}
	ErrBan         = &Error{Code: CodeBan}
	ErrValidation  = &Error{Code: CodeValidation}
	ErrTimeout     = &Error{Code: CodeTimeout}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrQueueFull   = &Error{Code: CodeQueueFull}
	ErrRateLimited = &Error{Code: CodeRateLimited}
	ErrState       = &Error{Code: CodeState}
)

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// CodeOf returns the classification of err, or "" when unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NotFound(what, id string) *Error {
	return NewError(CodeNotFound, "%s %q not found", what, id)
}
