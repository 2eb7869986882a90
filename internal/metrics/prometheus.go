// Package metrics provides Prometheus metrics for tunnelkeeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for tunnelkeeper.
type Metrics struct {
	// Session metrics
	SessionStarts      *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	SessionTransitions *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	LogLines           prometheus.Counter

	// Adapter metrics
	AdaptersUsed         prometheus.Gauge
	AdaptersAvailable    prometheus.Gauge
	AdapterRefreshErrors prometheus.Counter
	NetworkResets        prometheus.Counter
	NetworkResetFailures *prometheus.CounterVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.SessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_session_starts_total",
			Help: "Session start requests by result",
		},
		[]string{"result"},
	)

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelkeeper_sessions_active",
		Help: "Number of sessions currently in the registry",
	})

	m.SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_session_transitions_total",
			Help: "Session state transitions by target status",
		},
		[]string{"status"},
	)

	m.SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnelkeeper_session_duration_seconds",
			Help:    "Lifetime of sessions from reservation to cleanup",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"final_status"},
	)

	m.LogLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnelkeeper_log_lines_total",
		Help: "Lines consumed from VPN subprocess output",
	})

	m.AdaptersUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelkeeper_adapters_used",
		Help: "Virtual adapters currently connected",
	})

	m.AdaptersAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelkeeper_adapters_available",
		Help: "Virtual adapters installed",
	})

	m.AdapterRefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnelkeeper_adapter_refresh_errors_total",
		Help: "Failed adapter enumerations",
	})

	m.NetworkResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnelkeeper_network_resets_total",
		Help: "Network reset sequences run",
	})

	m.NetworkResetFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_network_reset_failures_total",
			Help: "Failed network reset steps by command",
		},
		[]string{"command"},
	)

	m.Uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelkeeper_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	m.GoRoutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelkeeper_goroutines",
		Help: "Number of goroutines",
	})

	m.registry.MustRegister(
		m.SessionStarts,
		m.SessionsActive,
		m.SessionTransitions,
		m.SessionDuration,
		m.LogLines,
		m.AdaptersUsed,
		m.AdaptersAvailable,
		m.AdapterRefreshErrors,
		m.NetworkResets,
		m.NetworkResetFailures,
		m.Uptime,
		m.GoRoutines,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
