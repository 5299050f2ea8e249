// Package errs defines the error taxonomy shared by all CursorBot
// components. Every error carries a numeric code grouped by thousand
// (1xxx internal, 2xxx validation, 3xxx auth/permission, 4xxx resource,
// 5xxx rate limit, 6xxx external, 7xxx command), a human-readable
// message, a structured details map and an optional request context.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an error class. Codes are stable and user-visible
// messages are looked up by code in the template table.
type Code int

const (
	CodeInternal    Code = 1000
	CodeTimeout     Code = 1001
	CodeUnavailable Code = 1002

	CodeValidation Code = 2000

	CodeUnauthorized      Code = 3000
	CodeForbidden         Code = 3001
	CodeElevationRequired Code = 3002
	CodeLocked            Code = 3003

	CodeNotFound Code = 4000
	CodeConflict Code = 4001

	CodeRateLimited Code = 5000

	CodeExecutorFailure Code = 6000
	CodeLLMError        Code = 6001

	CodeCommandFailure Code = 7000
)

// Context carries request-scoped attribution for an error. All fields
// are optional and pass through the redactor before logging.
type Context struct {
	UserID    string
	Transport string
	RequestID string
}

// Error is the taxonomy error type.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Ctx     *Context
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by code, so sentinel comparisons like
// errors.Is(err, errs.New(errs.CodeNotFound, "")) work.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithContext attaches request attribution.
func (e *Error) WithContext(ctx Context) *Error {
	e.Ctx = &ctx
	return e
}

// New creates a taxonomy error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a taxonomy error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, "internal error", cause)
}

// Validation reports invalid input.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Unauthorized reports a failed access check; rule names the policy
// that triggered the denial.
func Unauthorized(rule string) *Error {
	return New(CodeUnauthorized, "access denied").WithDetail("rule", rule)
}

// Forbidden reports a missing permission.
func Forbidden(permission string) *Error {
	return New(CodeForbidden, "permission denied").WithDetail("permission", permission)
}

// ElevationRequired reports that a protected action needs elevation.
func ElevationRequired(action string) *Error {
	return New(CodeElevationRequired, "elevation required").WithDetail("action", action)
}

// NotFound reports a missing resource.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, kind+" not found").WithDetail("id", id)
}

// Conflict reports a concurrent-modification or uniqueness violation.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// RateLimited reports a rate-limit denial with a deterministic retry
// hint.
func RateLimited(retryAfter time.Duration) *Error {
	return New(CodeRateLimited, "rate limit exceeded").
		WithDetail("retry_after", retryAfter.Seconds())
}

// RetryAfter extracts the retry hint from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var te *Error
	if !errors.As(err, &te) || te.Code != CodeRateLimited {
		return 0
	}
	if secs, ok := te.Details["retry_after"].(float64); ok {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(op string) *Error {
	return New(CodeTimeout, op+" timed out")
}

// Unavailable reports a dependency or service that is not accepting
// work (including during shutdown).
func Unavailable(what string) *Error {
	return New(CodeUnavailable, what+" unavailable")
}

// ExecutorFailure classifies a failed executor run. reason is one of
// "timeout", "unauthorized", "unavailable", "internal".
func ExecutorFailure(reason string, cause error) *Error {
	return Wrap(CodeExecutorFailure, "executor failure", cause).WithDetail("reason", reason)
}

// LLMError is the user-surfaced form of an executor failure.
func LLMError(provider string, cause error) *Error {
	return Wrap(CodeLLMError, "assistant backend error", cause).WithDetail("provider", provider)
}

// CommandFailure reports a failed chat command.
func CommandFailure(command string, cause error) *Error {
	return Wrap(CodeCommandFailure, "command failed", cause).WithDetail("command", command)
}

// CodeOf returns the taxonomy code for err, or CodeInternal when err is
// not a taxonomy error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
