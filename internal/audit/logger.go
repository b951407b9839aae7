package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/httputil"
)

type EventType string

const (
	EventSessionIssue      EventType = "pairing_issue"
	EventActivateSuccess   EventType = "pairing_activate_success"
	EventActivateFailure   EventType = "pairing_activate_failure"
	EventHandOff           EventType = "pairing_hand_off"
	EventAuthFailure       EventType = "auth_failure"
	EventRateLimitExceed   EventType = "rate_limit_exceeded"
	EventAdminLoginFailure EventType = "admin_login_failure"
)

type Event struct {
	Type      EventType
	SessionID string
	Kind      string
	SubjectID string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.Kind != "" {
		logger = logger.With().Str("kind", event.Kind).Logger()
	}
	if event.SubjectID != "" {
		logger = logger.With().Str("subject_id", event.SubjectID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills in the client address and user agent.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = httputil.ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
