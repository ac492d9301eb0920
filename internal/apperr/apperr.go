// Package apperr defines the machine-readable error taxonomy shared by the
// gateway and the secret admin surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, machine-readable error identifier returned to callers.
type Code string

const (
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeForbiddenTenant       Code = "FORBIDDEN_TENANT"
	CodePolicyDenied          Code = "POLICY_DENIED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeInvalidToken          Code = "INVALID_OR_EXPIRED_TOKEN"
	CodeRateLimited           Code = "RATE_LIMIT_EXCEEDED"
	CodeIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeMissingSignature      Code = "MISSING_SIGNATURE"
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeSecretNotConfigured   Code = "SECRET_NOT_CONFIGURED"
	CodeSecretExpired         Code = "SECRET_EXPIRED"
	CodeMethodNotAllowed      Code = "METHOD_NOT_ALLOWED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeUnauthorized:          http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeForbiddenTenant:       http.StatusForbidden,
	CodePolicyDenied:          http.StatusForbidden,
	CodeNotFound:              http.StatusNotFound,
	CodeValidation:            http.StatusBadRequest,
	CodeInvalidToken:          http.StatusBadRequest,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeIdempotencyInProgress: http.StatusConflict,
	CodeMissingSignature:      http.StatusUnauthorized,
	CodeInvalidSignature:      http.StatusUnauthorized,
	CodeSecretNotConfigured:   http.StatusPreconditionFailed,
	CodeSecretExpired:         http.StatusPreconditionFailed,
	CodeMethodNotAllowed:      http.StatusMethodNotAllowed,
	CodeInternal:              http.StatusInternalServerError,
}

// Status returns the HTTP status associated with the code.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error carries a code, a caller-safe message and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status for the error.
func (e *Error) HTTPStatus() int { return e.Code.Status() }

// New builds an Error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf reports the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Classify maps an arbitrary error into the taxonomy. Typed errors keep their
// code; storage errors are remapped by message pattern, defaulting to
// INTERNAL_ERROR.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no rows"):
		return Wrap(CodeNotFound, "resource not found", err)
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "required"),
		strings.Contains(msg, "violates check constraint"), strings.Contains(msg, "validation"):
		return Wrap(CodeValidation, err.Error(), err)
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "row-level security"):
		return Wrap(CodePolicyDenied, "permission denied", err)
	default:
		return Wrap(CodeInternal, "internal error", err)
	}
}
