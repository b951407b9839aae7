package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Pairing session not found")
		assert.Equal(t, "NOT_FOUND: Pairing session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := StoreUnavailable(cause)
		assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "resourceId"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"NotFound", func() *AppError { return NotFound("Pairing session") }, ErrCodeNotFound},
		{"Expired", Expired, ErrCodeExpired},
		{"AlreadyConsumed", AlreadyConsumed, ErrCodeAlreadyConsumed},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"ContextMismatch", func() *AppError { return ContextMismatch("test") }, ErrCodeContextMismatch},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"StoreUnavailable", func() *AppError { return StoreUnavailable(errors.New("x")) }, ErrCodeStoreUnavailable},
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("kind", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("token") }, ErrCodeMissingRequired},
		{"TooManyPending", func() *AppError { return TooManyPending(5) }, ErrCodeTooManyPending},
		{"RateLimitExceeded", RateLimitExceeded, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestIs(t *testing.T) {
	t.Run("matches by code through wrapping", func(t *testing.T) {
		err := fmt.Errorf("activate: %w", Expired())
		assert.True(t, errors.Is(err, Expired()))
		assert.False(t, errors.Is(err, AlreadyConsumed()))
	})

	t.Run("does not match plain errors", func(t *testing.T) {
		assert.False(t, errors.Is(errors.New("expired"), Expired()))
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts wrapped AppError", func(t *testing.T) {
		original := InvalidToken("bad token")
		extracted, ok := AsAppError(fmt.Errorf("wrapped: %w", original))
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeExpired, GetCode(Expired()))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(Expired()))
	assert.True(t, IsRecoverable(AlreadyConsumed()))
	assert.True(t, IsRecoverable(ContextMismatch("x")))
	assert.False(t, IsRecoverable(StoreUnavailable(errors.New("down"))))
	assert.False(t, IsRecoverable(errors.New("boom")))
}
