package middleware

import (
	"net/http"

	"github.com/qrpair/pairing-server/internal/audit"
	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
	"github.com/qrpair/pairing-server/internal/util"
)

const adminRealm = `Basic realm="pairing-admin"`

// AdminAuthMiddleware guards the operator endpoints with HTTP basic auth
// checked against ADMIN_PASSWORD_HASH. Any user name is accepted.
type AdminAuthMiddleware struct {
	passwordHash string
	attempts     *LoginRateLimiter
}

func NewAdminAuthMiddleware(passwordHash string, attempts *LoginRateLimiter) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{passwordHash: passwordHash, attempts: attempts}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{
				Error: "Admin not configured",
				Code:  apperrors.ErrCodeStoreUnavailable,
			})
			return
		}

		ip := httputil.ClientIP(r)
		if m.attempts != nil && m.attempts.Blocked(ip) {
			w.Header().Set("Retry-After", "60")
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		_, password, ok := r.BasicAuth()
		if !ok || !util.CheckPasswordHash(password, m.passwordHash) {
			if ok {
				audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminLoginFailure})
				if m.attempts != nil {
					m.attempts.Fail(ip)
				}
			}
			w.Header().Set("WWW-Authenticate", adminRealm)
			httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		if m.attempts != nil {
			m.attempts.Reset(ip)
		}
		next.ServeHTTP(w, r)
	})
}
