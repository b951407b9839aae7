package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/audit"
	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
)

// IPRateLimitMiddleware limits requests per client address. keyFunc maps the
// address to the limiter key so separate routes can have separate budgets.
type IPRateLimitMiddleware struct {
	limiter Limiter
	limit   int
	keyFunc func(clientIP string) string
}

func NewIPRateLimitMiddleware(limiter Limiter, limit int, keyFunc func(string) string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		keyFunc: keyFunc,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	if m.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.ClientIP(r)
		allowed, remaining, resetAt := m.limiter.Check(r.Context(), m.keyFunc(ip), m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventRateLimitExceed})

			secondsLeft := resetAt - time.Now().Unix()
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(secondsLeft, 10))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
