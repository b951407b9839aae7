package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pairing"

// Metrics holds the pairing counters. A nil *Metrics records nothing, so
// services and tests can run without a registry.
type Metrics struct {
	issued      *prometheus.CounterVec
	activations *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	reaped      prometheus.Counter
	watchers    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Pairing sessions issued, by kind.",
		}, []string{"kind"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activation attempts, by kind and result code (ok on success).",
		}, []string{"kind", "result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolve calls, by observed status.",
		}, []string{"status"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions removed by the cleanup job.",
		}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watch_connections",
			Help:      "Open watch connections.",
		}),
	}
	reg.MustRegister(m.issued, m.activations, m.resolutions, m.reaped, m.watchers)
	return m
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors, ready for New and Handler.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionIssued(kind string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(kind).Inc()
}

func (m *Metrics) ActivationFinished(kind, result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionResolved(status string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionsReaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) WatchOpened() {
	if m == nil {
		return
	}
	m.watchers.Inc()
}

func (m *Metrics) WatchClosed() {
	if m == nil {
		return
	}
	m.watchers.Dec()
}
