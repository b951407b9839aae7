package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	request := func(password string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		if password != "" {
			req.SetBasicAuth("admin", password)
		}
		return req
	}

	t.Run("accepts the configured password", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewAdminAuthMiddleware(string(hash), NewLoginRateLimiter()).Handler(ok).ServeHTTP(rec, request("s3cret"))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("challenges without credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewAdminAuthMiddleware(string(hash), NewLoginRateLimiter()).Handler(ok).ServeHTTP(rec, request(""))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, adminRealm, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("unconfigured admin is unavailable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewAdminAuthMiddleware("", nil).Handler(ok).ServeHTTP(rec, request("s3cret"))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("blocks an address after repeated failures", func(t *testing.T) {
		handler := NewAdminAuthMiddleware(string(hash), NewLoginRateLimiter()).Handler(ok)

		for i := 0; i < loginMaxAttempts; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, request("wrong"))
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("s3cret"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "even the right password is refused while blocked")
	})

	t.Run("success clears earlier failures", func(t *testing.T) {
		attempts := NewLoginRateLimiter()
		handler := NewAdminAuthMiddleware(string(hash), attempts).Handler(ok)

		for i := 0; i < loginMaxAttempts-1; i++ {
			handler.ServeHTTP(httptest.NewRecorder(), request("wrong"))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("s3cret"))
		require.Equal(t, http.StatusOK, rec.Code)

		handler.ServeHTTP(httptest.NewRecorder(), request("wrong"))
		assert.False(t, attempts.Blocked("198.51.100.7"))
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	handler := NewBodyLimitMiddleware(8).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.ContentLength = 1024
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	NewSecurityHeadersMiddleware(false).Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	NewSecurityHeadersMiddleware(true).Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
