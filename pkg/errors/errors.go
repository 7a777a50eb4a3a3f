package errors

import (
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrAuthentication is returned when a request carries a missing, malformed,
	// expired or otherwise unverifiable token
	ErrAuthentication = "authentication_error"

	// ErrForbidden is returned when an authenticated caller lacks a required scope
	ErrForbidden = "forbidden"

	// ErrValidation is returned when the request shape or parameters are invalid
	ErrValidation = "validation_error"

	// ErrRateLimit is returned when a caller exceeds its sliding-window budget
	ErrRateLimit = "rate_limit_exceeded"

	// ErrNotFound is returned when the referenced patient or status does not exist
	ErrNotFound = "not_found"

	// ErrUpstream is returned when a downstream service is unreachable or failed
	ErrUpstream = "upstream_error"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal_error"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP status code for the error type.
func (e *Error) StatusCode() int {
	switch e.Type {
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrValidation:
		return http.StatusBadRequest
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, cause error) *Error {
	return NewError(ErrAuthentication, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string, cause error) *Error {
	return NewError(ErrRateLimit, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsAuthentication checks if the error is an authentication error
func IsAuthentication(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrAuthentication
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrForbidden
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrValidation
}

// IsRateLimit checks if the error is a rate limit error
func IsRateLimit(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrRateLimit
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrNotFound
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrUpstream
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrInternal
}
