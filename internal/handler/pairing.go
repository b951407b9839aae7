package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/qrpair/pairing-server/internal/audit"
	"github.com/qrpair/pairing-server/internal/config"
	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/httputil"
	"github.com/qrpair/pairing-server/internal/metrics"
	"github.com/qrpair/pairing-server/internal/middleware"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/service"
	"github.com/qrpair/pairing-server/internal/util"
	"github.com/qrpair/pairing-server/internal/watch"
)

type PairingHandler struct {
	issuer       *service.Issuer
	activator    *service.Activator
	resolver     *service.Resolver
	notifier     watch.Notifier
	metrics      *metrics.Metrics
	pollInterval time.Duration

	// issueLimit and auth wrap the issue and activate routes.
	issueLimit func(http.Handler) http.Handler
	auth       func(http.Handler) http.Handler
}

type PairingHandlerConfig struct {
	Issuer       *service.Issuer
	Activator    *service.Activator
	Resolver     *service.Resolver
	Notifier     watch.Notifier
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	IssueLimit   func(http.Handler) http.Handler
	Auth         func(http.Handler) http.Handler
}

func NewPairingHandler(cfg PairingHandlerConfig) *PairingHandler {
	h := &PairingHandler{
		issuer:       cfg.Issuer,
		activator:    cfg.Activator,
		resolver:     cfg.Resolver,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		issueLimit:   cfg.IssueLimit,
		auth:         cfg.Auth,
	}
	if h.pollInterval <= 0 {
		h.pollInterval = service.DefaultPollInterval
	}
	if h.issueLimit == nil {
		h.issueLimit = passThrough
	}
	// Activate still answers 401 when nothing put an identity on the context.
	if h.auth == nil {
		h.auth = passThrough
	}
	return h
}

func passThrough(next http.Handler) http.Handler { return next }

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.With(h.issueLimit).Post("/{kind}/sessions", h.Issue)
		r.Get("/sessions/{id}", h.Resolve)
		r.With(h.auth).Post("/sessions/{id}/activate", h.Activate)
	})

	// The watch stream outlives the request timeout; it is bounded by the
	// session's own expiry instead.
	r.Get("/sessions/{id}/watch", h.Watch)

	return r
}

type issueRequest struct {
	Context model.SessionContext `json:"context"`
}

type issueResponse struct {
	SessionID      string          `json:"sessionId"`
	QRData         string          `json:"qrData"`
	Payload        model.QRPayload `json:"payload"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	PollIntervalMs int64           `json:"pollIntervalMs"`
}

// POST /v1/pairing/{kind}/sessions
func (h *PairingHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	kind := model.Kind(chi.URLParam(r, "kind"))
	result, err := h.issuer.Issue(r.Context(), service.IssueRequest{
		Kind:    kind,
		Context: req.Context,
		Issuer:  httputil.ClientIP(r),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionIssue,
		SessionID: result.SessionID,
		Kind:      string(kind),
	})

	writeJSON(w, http.StatusCreated, issueResponse{
		SessionID:      result.SessionID,
		QRData:         result.QRData,
		Payload:        result.Payload,
		ExpiresAt:      result.ExpiresAt,
		PollIntervalMs: result.PollInterval.Milliseconds(),
	})
}

type resolveResponse struct {
	Status      model.ResolveStatus   `json:"status"`
	Kind        model.Kind            `json:"kind,omitempty"`
	ExpiresAt   *time.Time            `json:"expiresAt,omitempty"`
	Subject     *model.Subject        `json:"subject,omitempty"`
	Context     *model.SessionContext `json:"context,omitempty"`
	ActivatedAt *time.Time            `json:"activatedAt,omitempty"`
}

func newResolveResponse(res *service.ResolveResult) resolveResponse {
	out := resolveResponse{Status: res.Status, Kind: res.Kind}
	if res.Status == model.ResolveActiveConsumed {
		out.Subject = res.Subject
		out.Context = res.Context
		out.ActivatedAt = res.ActivatedAt
		return out
	}
	expiresAt := res.ExpiresAt
	out.ExpiresAt = &expiresAt
	return out
}

// GET /v1/pairing/sessions/{id}
func (h *PairingHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.resolver.Resolve(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if result.Status == model.ResolveActiveConsumed {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventHandOff,
			SessionID: id,
			Kind:      string(result.Kind),
			SubjectID: result.Subject.ID,
		})
	}

	writeJSON(w, http.StatusOK, newResolveResponse(result))
}

type activateRequest struct {
	Token   string               `json:"token"`
	QR      string               `json:"qr"`
	Context model.SessionContext `json:"context"`
}

type activateResponse struct {
	OK          bool                 `json:"ok"`
	Kind        model.Kind           `json:"kind"`
	Context     model.SessionContext `json:"context"`
	ActivatedAt time.Time            `json:"activatedAt"`
}

// POST /v1/pairing/sessions/{id}/activate
//
// The body carries either the token alone or the raw QR text as scanned.
// Context is where the scanning device currently is, for kinds that bind to
// a resource.
func (h *PairingHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	caller := middleware.GetIdentity(r.Context())
	if caller == nil {
		httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
		return
	}

	var req activateRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	token := req.Token
	if req.QR != "" {
		payload, err := model.DecodeQRPayload(req.QR)
		if err != nil {
			httputil.WriteError(w, apperrors.InvalidInput("qr", "not a pairing QR code"))
			return
		}
		if payload.ID != id {
			httputil.WriteError(w, apperrors.InvalidInput("qr", "QR code is for a different session"))
			return
		}
		token = payload.Token
	}
	if token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	result, err := h.activator.Activate(r.Context(), service.ActivateRequest{
		SessionID:     id,
		Token:         token,
		Caller:        *caller,
		CallerContext: req.Context,
	})
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventActivateFailure,
			SessionID: id,
			SubjectID: caller.UserID,
			Details:   map[string]interface{}{"code": string(apperrors.GetCode(err))},
		})
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventActivateSuccess,
		SessionID: id,
		Kind:      string(result.Kind),
		SubjectID: caller.UserID,
	})

	writeJSON(w, http.StatusOK, activateResponse{
		OK:          true,
		Kind:        result.Kind,
		Context:     result.Context,
		ActivatedAt: result.ActivatedAt,
	})
}

// sessionIDParam rejects malformed ids as NOT_FOUND so they never reach the
// store.
func sessionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !util.IsValidSessionID(id) {
		httputil.WriteError(w, apperrors.NotFound("Pairing session"))
		return "", false
	}
	return id, true
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.ValidationError("Invalid JSON body")
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.ValidationError("Invalid JSON body")
}
