package mcp

import (
	"context"
	"errors"
	"fmt"

	"alexrt/internal/cancel"
)

// Code classifies protocol client failures.
type Code string

const (
	CodeConfigMissing    Code = "config_missing"
	CodeServerDisabled   Code = "server_disabled"
	CodeConnectionFailed Code = "connection_failed"
	CodeHandshakeTimeout Code = "handshake_timeout"
	CodeProtocolError    Code = "protocol_error"
	CodeAuthFailed       Code = "auth_failed"
	CodeRateLimited      Code = "rate_limited"
	CodeNotFound         Code = "not_found"
	CodeCancelled        Code = "cancelled"
	CodeUnsupported      Code = "unsupported"
	CodeInternalError    Code = "internal_error"
)

func (c Code) defaultRetryable() bool {
	switch c {
	case CodeConnectionFailed, CodeHandshakeTimeout, CodeRateLimited:
		return true
	}
	return false
}

func parseCode(s string) (Code, bool) {
	switch c := Code(s); c {
	case CodeConfigMissing, CodeServerDisabled, CodeConnectionFailed, CodeHandshakeTimeout,
		CodeProtocolError, CodeAuthFailed, CodeRateLimited, CodeNotFound, CodeCancelled,
		CodeUnsupported, CodeInternalError:
		return c, true
	}
	return "", false
}

// Error is the typed failure returned by every client operation.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   any
	Cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds an Error whose retryability follows the code's default.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.defaultRetryable()}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetails attaches structured details.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func ConfigMissing(message string) *Error    { return NewError(CodeConfigMissing, message) }
func ServerDisabled(message string) *Error   { return NewError(CodeServerDisabled, message) }
func ConnectionFailed(message string) *Error { return NewError(CodeConnectionFailed, message) }
func HandshakeTimeout(message string) *Error { return NewError(CodeHandshakeTimeout, message) }
func ProtocolError(message string) *Error    { return NewError(CodeProtocolError, message) }
func AuthFailed(message string) *Error       { return NewError(CodeAuthFailed, message) }
func RateLimited(message string) *Error      { return NewError(CodeRateLimited, message) }
func NotFound(message string) *Error         { return NewError(CodeNotFound, message) }
func Unsupported(message string) *Error      { return NewError(CodeUnsupported, message) }

// Cancelled builds a cancelled error. The cancel reason, when known, is kept
// in Details.
func Cancelled(message string, cause error) *Error {
	e := NewError(CodeCancelled, message).WithCause(cause)
	if reason, ok := cancel.ReasonFrom(cause); ok {
		e.Details = reason
	}
	return e
}

// HasCode reports whether err carries an *Error with code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsRetryable reports whether err is an *Error flagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// ToError maps any error onto the taxonomy.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if _, ok := cancel.ReasonFrom(err); ok || errors.Is(err, context.Canceled) {
		return Cancelled("MCP request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return HandshakeTimeout("request timeout").WithCause(err)
	}
	return NewError(CodeInternalError, err.Error()).WithCause(err)
}

// cancelledFrom maps a done ctx onto the taxonomy. A typed cause wins, a
// deadline becomes handshake_timeout, and anything else is cancelled.
func cancelledFrom(ctx context.Context) *Error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return HandshakeTimeout("MCP request timed out").WithCause(cause)
	}
	return Cancelled("MCP request cancelled", cause)
}
