package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/repository"
	"github.com/qrpair/pairing-server/internal/util"
)

// AdminHandler serves the operator API. Authentication is applied by the
// caller's router.
type AdminHandler struct {
	store     repository.PairingSessionRepository
	registrar identity.Registrar
	now       func() time.Time
}

func NewAdminHandler(store repository.PairingSessionRepository, registrar identity.Registrar) *AdminHandler {
	return &AdminHandler{store: store, registrar: registrar, now: time.Now}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pairing/stats", h.Stats)
	r.Get("/pairing/sessions/{id}", h.GetSession)

	r.Post("/identity/tokens", h.GrantToken)
	r.Post("/identity/tokens/revoke", h.RevokeToken)

	return r
}

type statsResponse struct {
	Sessions  map[model.Status]int `json:"sessions"`
	Total     int                  `json:"total"`
	Timestamp int64                `json:"timestamp"`
}

// GET /admin/pairing/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count pairing sessions")
		httputil.WriteError(w, apperrors.StoreUnavailable(err))
		return
	}

	sessions := map[model.Status]int{
		model.StatusPending: 0,
		model.StatusActive:  0,
		model.StatusExpired: 0,
		model.StatusUsed:    0,
	}
	total := 0
	for status, n := range counts {
		sessions[status] = n
		total += n
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Sessions:  sessions,
		Total:     total,
		Timestamp: h.now().UnixMilli(),
	})
}

type adminSessionView struct {
	*model.PairingSession
	Issuer string `json:"issuer"`
	// Expired is the lazy view; Status may still read pending.
	Expired bool `json:"expired"`
}

// GET /admin/pairing/sessions/{id}
func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	session, err := h.store.Get(r.Context(), id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		httputil.WriteError(w, apperrors.NotFound("Pairing session"))
		return
	}
	if err != nil {
		httputil.WriteError(w, apperrors.StoreUnavailable(err))
		return
	}

	writeJSON(w, http.StatusOK, adminSessionView{
		PairingSession: session,
		Issuer:         session.Issuer,
		Expired:        session.Status == model.StatusPending && session.IsExpiredAt(h.now()),
	})
}

type grantRequest struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Name        string   `json:"name"`
	ResourceIDs []string `json:"resourceIds"`
}

// POST /admin/identity/tokens
//
// Mints a bearer token for an activating user. The token is only ever
// returned here.
func (h *AdminHandler) GrantToken(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.UserID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("userId"))
		return
	}
	if req.Role == "" {
		httputil.WriteError(w, apperrors.MissingRequired("role"))
		return
	}

	token, err := util.GenerateToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate identity token")
		httputil.WriteError(w, apperrors.Internal("Failed to generate token"))
		return
	}

	id := identity.Identity{UserID: req.UserID, Role: req.Role, Name: req.Name}
	if err := h.registrar.Grant(r.Context(), token, id, req.ResourceIDs); err != nil {
		log.Error().Err(err).Str("userId", req.UserID).Msg("failed to grant identity token")
		httputil.WriteError(w, apperrors.StoreUnavailable(err))
		return
	}

	log.Info().Str("userId", req.UserID).Str("role", req.Role).Int("resources", len(req.ResourceIDs)).Msg("identity token granted")
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId": req.UserID,
		"role":   req.Role,
		"token":  token,
	})
}

// POST /admin/identity/tokens/revoke
func (h *AdminHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	revoked, err := h.registrar.Revoke(r.Context(), req.Token)
	if err != nil {
		httputil.WriteError(w, apperrors.StoreUnavailable(err))
		return
	}
	if !revoked {
		httputil.WriteError(w, apperrors.NotFound("Token"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
