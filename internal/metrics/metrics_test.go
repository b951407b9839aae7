package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionIssued("device-login")
	m.SessionIssued("device-login")
	m.ActivationFinished("panel-login", "ok")
	m.ActivationFinished("panel-login", "FORBIDDEN")
	m.SessionResolved("active-consumed")
	m.SessionsReaped(3)
	m.SessionsReaped(0)
	m.WatchOpened()
	m.WatchOpened()
	m.WatchClosed()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.issued.WithLabelValues("device-login")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activations.WithLabelValues("panel-login", "FORBIDDEN")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolutions.WithLabelValues("active-consumed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.reaped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.watchers))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionIssued("device-login")
		m.ActivationFinished("device-login", "ok")
		m.SessionResolved("pending")
		m.SessionsReaped(1)
		m.WatchOpened()
		m.WatchClosed()
	})
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.SessionIssued("panel-login")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pairing_sessions_issued_total{kind="panel-login"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
