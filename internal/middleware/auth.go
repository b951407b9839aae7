package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/audit"
	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
	"github.com/qrpair/pairing-server/internal/identity"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

func GetIdentity(ctx context.Context) *identity.Identity {
	if id, ok := ctx.Value(IdentityContextKey).(*identity.Identity); ok {
		return id
	}
	return nil
}

// WithIdentity stores id on ctx the way AuthMiddleware does.
func WithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// AuthMiddleware requires a bearer token naming a known user. It guards the
// activation route, which is the only one a scanning device calls.
type AuthMiddleware struct {
	authenticator identity.Authenticator
}

func NewAuthMiddleware(authenticator identity.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		id, err := m.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: identity lookup failed")
			httputil.WriteError(w, apperrors.StoreUnavailable(err))
			return
		}

		if id == nil {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
