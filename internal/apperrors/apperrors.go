// Package apperrors provides a standardized error taxonomy for the titan
// core runtime.
//
// Every error that can reach an HTTP boundary, a bus consumer, or a goal
// executor is an *AppError: a machine-readable code, a human-readable
// message, optional debugging details, and (for HTTP call sites) a status
// code. Non-HTTP call sites still use AppError so callers can tell, via
// errors.As, whether a failure is the kind that should trip the breaker,
// retry, or dead-letter.
package apperrors

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable error identifier, UPPER_SNAKE_CASE.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodePublish         Code = "PUBLISH_ERROR"
	CodeConsumer        Code = "CONSUMER_ERROR"
	CodeDeadLetter      Code = "DEAD_LETTER_ERROR"
	CodeTimeout         Code = "TIMEOUT_ERROR"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeSandbox         Code = "SANDBOX_ERROR"
	CodeBreakerRejected Code = "BREAKER_REJECTED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeUnavailable     Code = "SERVICE_UNAVAILABLE"
)

// AppError is a standardized application error with HTTP context.
type AppError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON shape returned to HTTP clients.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ToResponse renders the error as the standard JSON error body.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   string(e.Code),
		Message: e.Message,
		Code:    string(e.Code),
		Details: e.Details,
	}
}

func newErr(code Code, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: status}
}

// Validation builds a rejected-publish/config error (HTTP 422).
func Validation(message string) *AppError {
	return newErr(CodeValidation, http.StatusUnprocessableEntity, message)
}

// Publish builds a substrate-write-failed error.
func Publish(message string) *AppError {
	return newErr(CodePublish, http.StatusServiceUnavailable, message)
}

// Consumer builds a handler-raised error.
func Consumer(message string) *AppError {
	return newErr(CodeConsumer, http.StatusInternalServerError, message)
}

// DeadLetter builds a DLQ-append-failed error. Critical severity by contract.
func DeadLetter(message string) *AppError {
	return newErr(CodeDeadLetter, http.StatusInternalServerError, message)
}

// Timeout builds a deadline-elapsed error.
func Timeout(message string) *AppError {
	return newErr(CodeTimeout, http.StatusGatewayTimeout, message)
}

// Sandbox builds a container-launch/exit error.
func Sandbox(message string) *AppError {
	return newErr(CodeSandbox, http.StatusInternalServerError, message)
}

// BreakerRejected builds a plugin-not-healthy error.
func BreakerRejected(message string) *AppError {
	return newErr(CodeBreakerRejected, http.StatusServiceUnavailable, message)
}

// NotFound builds a no-such-resource error (HTTP 404).
func NotFound(resource string) *AppError {
	return newErr(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource))
}

// Unauthorized builds a missing/invalid-credential error (HTTP 401).
func Unauthorized(message string) *AppError {
	return newErr(CodeUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden builds a disallowed-operation error (HTTP 403).
func Forbidden(message string) *AppError {
	return newErr(CodeForbidden, http.StatusForbidden, message)
}

// Internal builds a generic internal error (HTTP 500).
func Internal(message string) *AppError {
	return newErr(CodeInternal, http.StatusInternalServerError, message)
}

// Unavailable builds a dependency-down error (HTTP 503).
func Unavailable(message string) *AppError {
	return newErr(CodeUnavailable, http.StatusServiceUnavailable, message)
}
