package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLog(t)

	Log(context.Background(), Event{
		Type:      EventActivateSuccess,
		SessionID: "abc",
		Kind:      "panel-login",
		SubjectID: "user-1",
		Details:   map[string]interface{}{"attempt": 2, "reason": "ok"},
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "security", entry["audit"])
	assert.Equal(t, "pairing_activate_success", entry["event_type"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "panel-login", entry["kind"])
	assert.Equal(t, "user-1", entry["subject_id"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "ok", entry["reason"])
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	r := httptest.NewRequest("POST", "/v1/pairing/sessions/abc/activate", nil)
	r.RemoteAddr = "203.0.113.9"
	r.Header.Set("User-Agent", "scanner/1.0")

	LogFromRequest(r, Event{Type: EventAuthFailure})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "203.0.113.9", entry["ip"])
	assert.Equal(t, "scanner/1.0", entry["user_agent"])
	assert.NotContains(t, entry, "session_id")
}
