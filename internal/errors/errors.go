package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Pairing outcomes
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeExpired          ErrorCode = "EXPIRED"
	ErrCodeAlreadyConsumed  ErrorCode = "ALREADY_CONSUMED"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeContextMismatch  ErrorCode = "CONTEXT_MISMATCH"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Authentication
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Issuance limits
	ErrCodeTooManyPending    ErrorCode = "TOO_MANY_PENDING"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches another AppError by code, so errors.Is(err, apperrors.Expired())
// works across wrapping.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Expired() *AppError {
	return New(ErrCodeExpired, "QR code has expired")
}

func AlreadyConsumed() *AppError {
	return New(ErrCodeAlreadyConsumed, "QR code has already been used")
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func ContextMismatch(message string) *AppError {
	return New(ErrCodeContextMismatch, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func StoreUnavailable(cause error) *AppError {
	return Wrap(ErrCodeStoreUnavailable, "Session store unavailable", cause)
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func TooManyPending(limit int) *AppError {
	return New(ErrCodeTooManyPending, fmt.Sprintf("Maximum pending sessions (%d) reached", limit))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRecoverable reports whether the error is an expected user-facing outcome
// (reissue a QR) rather than an infrastructure failure.
func IsRecoverable(err error) bool {
	switch GetCode(err) {
	case ErrCodeStoreUnavailable, ErrCodeInternal:
		return false
	default:
		return true
	}
}
