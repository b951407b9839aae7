package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/middleware"
	"github.com/qrpair/pairing-server/internal/repository"
	"github.com/qrpair/pairing-server/internal/service"
	"github.com/qrpair/pairing-server/internal/watch"
)

const (
	teacherToken    = "teacher-token"
	influencerToken = "influencer-token"
)

type testServer struct {
	router   chi.Router
	store    repository.PairingSessionRepository
	notifier *watch.LocalBroker
	dir      *identity.StaticDirectory
}

func newTestServer(t *testing.T, opts ...service.Option) *testServer {
	t.Helper()

	store := repository.NewMemoryPairingRepository()
	notifier := watch.NewLocalBroker()
	t.Cleanup(notifier.Close)

	dir := identity.NewStaticDirectory()
	dir.AddToken(teacherToken, identity.Identity{UserID: "t-1", Role: "teacher", Name: "Kim"})
	dir.AddToken(influencerToken, identity.Identity{UserID: "i-1", Role: "influencer"})
	dir.Assign("t-1", "class-42")

	registry, err := service.NewDefaultRegistry(service.ProtocolConfig{
		DeviceLoginTTL:   time.Minute,
		PanelLoginTTL:    time.Minute,
		DeviceLoginRoles: []string{"teacher", "influencer"},
		PanelLoginRoles:  []string{"teacher"},
	}, dir)
	require.NoError(t, err)

	all := append([]service.Option{service.WithNotifier(notifier), service.WithPollInterval(50 * time.Millisecond)}, opts...)
	issuer, err := service.NewIssuer(store, registry, all...)
	require.NoError(t, err)
	activator, err := service.NewActivator(store, registry, all...)
	require.NoError(t, err)
	resolver, err := service.NewResolver(store, all...)
	require.NoError(t, err)

	h := NewPairingHandler(PairingHandlerConfig{
		Issuer:       issuer,
		Activator:    activator,
		Resolver:     resolver,
		Notifier:     notifier,
		PollInterval: 50 * time.Millisecond,
		Auth:         middleware.NewAuthMiddleware(dir).Handler,
	})

	r := chi.NewRouter()
	r.Mount("/v1/pairing", h.Routes())
	return &testServer{router: r, store: store, notifier: notifier, dir: dir}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type issued struct {
	SessionID      string `json:"sessionId"`
	QRData         string `json:"qrData"`
	PollIntervalMs int64  `json:"pollIntervalMs"`
	Payload        struct {
		ID      string         `json:"id"`
		Token   string         `json:"token"`
		Kind    string         `json:"kind"`
		Context map[string]any `json:"context"`
	} `json:"payload"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *testServer) issue(t *testing.T, kind string, body any) issued {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/pairing/"+kind+"/sessions", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out issued
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPairingHandler_Issue(t *testing.T) {
	t.Run("device login with an empty body", func(t *testing.T) {
		s := newTestServer(t)
		out := s.issue(t, "device-login", nil)

		assert.Len(t, out.SessionID, 32)
		assert.Equal(t, out.SessionID, out.Payload.ID)
		assert.Len(t, out.Payload.Token, 64)
		assert.Equal(t, "device-login", out.Payload.Kind)
		assert.NotEmpty(t, out.Payload.Context["deviceId"])
		assert.Equal(t, int64(50), out.PollIntervalMs)
		assert.Contains(t, out.QRData, out.Payload.Token)
	})

	t.Run("panel login carries the class", func(t *testing.T) {
		s := newTestServer(t)
		out := s.issue(t, "panel-login", map[string]any{"context": map[string]string{"resourceId": "class-42"}})

		assert.Equal(t, "class-42", out.Payload.Context["resourceId"])
	})

	t.Run("errors", func(t *testing.T) {
		s := newTestServer(t)
		tests := []struct {
			name   string
			kind   string
			body   string
			status int
			code   string
		}{
			{"unknown kind", "tv-login", `{}`, http.StatusBadRequest, "VALIDATION_ERROR"},
			{"panel without class", "panel-login", `{}`, http.StatusBadRequest, "MISSING_REQUIRED"},
			{"malformed json", "device-login", `{"context":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodPost, "/v1/pairing/"+tt.kind+"/sessions", strings.NewReader(tt.body))
				rec := httptest.NewRecorder()
				s.router.ServeHTTP(rec, req)

				assert.Equal(t, tt.status, rec.Code)
				assert.Equal(t, tt.code, decode(t, rec)["code"])
			})
		}
	})

	t.Run("pending cap is per client address", func(t *testing.T) {
		s := newTestServer(t, service.WithMaxPending(1))
		s.issue(t, "device-login", nil)

		rec := s.do(t, http.MethodPost, "/v1/pairing/device-login/sessions", "", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "TOO_MANY_PENDING", decode(t, rec)["code"])
	})
}

func TestPairingHandler_Flow(t *testing.T) {
	t.Run("device login end to end", func(t *testing.T) {
		s := newTestServer(t)
		out := s.issue(t, "device-login", nil)
		path := "/v1/pairing/sessions/" + out.SessionID

		rec := s.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "pending", body["status"])
		assert.NotEmpty(t, body["expiresAt"])
		assert.Nil(t, body["subject"])

		rec = s.do(t, http.MethodPost, path+"/activate", influencerToken, map[string]string{"qr": out.QRData})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body = decode(t, rec)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, "device-login", body["kind"])
		assert.NotEmpty(t, body["activatedAt"])

		rec = s.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body = decode(t, rec)
		assert.Equal(t, "active-consumed", body["status"])
		subject := body["subject"].(map[string]any)
		assert.Equal(t, "i-1", subject["id"])
		assert.Equal(t, "influencer", subject["role"])
		assert.NotNil(t, body["context"])

		rec = s.do(t, http.MethodGet, path, "", nil)
		body = decode(t, rec)
		assert.Equal(t, "used", body["status"])
		assert.Nil(t, body["subject"], "hand-off happens once")

		rec = s.do(t, http.MethodPost, path+"/activate", teacherToken, map[string]string{"token": out.Payload.Token})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ALREADY_CONSUMED", decode(t, rec)["code"])
	})

	t.Run("panel login checks the caller's class", func(t *testing.T) {
		s := newTestServer(t)
		out := s.issue(t, "panel-login", map[string]any{"context": map[string]string{"resourceId": "class-42"}})
		path := "/v1/pairing/sessions/" + out.SessionID + "/activate"

		rec := s.do(t, http.MethodPost, path, teacherToken, map[string]any{
			"token": out.Payload.Token, "context": map[string]string{"resourceId": "class-7"},
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CONTEXT_MISMATCH", decode(t, rec)["code"])

		rec = s.do(t, http.MethodPost, path, influencerToken, map[string]any{
			"token": out.Payload.Token, "context": map[string]string{"resourceId": "class-42"},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = s.do(t, http.MethodPost, path, teacherToken, map[string]any{
			"token": out.Payload.Token, "context": map[string]string{"resourceId": "class-42"},
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestPairingHandler_ActivateErrors(t *testing.T) {
	s := newTestServer(t)
	out := s.issue(t, "device-login", nil)
	path := "/v1/pairing/sessions/" + out.SessionID + "/activate"

	tests := []struct {
		name   string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no bearer token", path, "", map[string]string{"token": out.Payload.Token}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown bearer token", path, "nope", map[string]string{"token": out.Payload.Token}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong pairing token", path, teacherToken, map[string]string{"token": strings.Repeat("0", 64)}, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"missing token", path, teacherToken, map[string]string{}, http.StatusBadRequest, "MISSING_REQUIRED"},
		{"garbage qr", path, teacherToken, map[string]string{"qr": "hello"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed session id", "/v1/pairing/sessions/not-an-id/activate", teacherToken, map[string]string{"token": "x"}, http.StatusNotFound, "NOT_FOUND"},
		{"unknown session", "/v1/pairing/sessions/" + strings.Repeat("a", 32) + "/activate", teacherToken, map[string]string{"token": "x"}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode(t, rec)["code"])
		})
	}

	t.Run("qr for another session", func(t *testing.T) {
		other := s.issue(t, "device-login", nil)
		rec := s.do(t, http.MethodPost, path, teacherToken, map[string]string{"qr": other.QRData})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("none of the failures burned the session", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, path, teacherToken, map[string]string{"token": out.Payload.Token})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestPairingHandler_Resolve(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/pairing/sessions/"+strings.Repeat("f", 32), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/pairing/sessions/XYZ", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	out := s.issue(t, "device-login", nil)
	rec = s.do(t, http.MethodGet, "/v1/pairing/sessions/"+out.SessionID, "", nil)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
