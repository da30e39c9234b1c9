// Package metrics holds the process-wide instrumentation on a standalone
// registry, so the /metrics endpoint exposes only what this service
// registers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	ReadinessWait      prometheus.Histogram
	CloneRuns          *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge
	StreamEvents       prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmgr_lifecycle_transitions_total",
			Help: "Project lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kmgr_lifecycle_transition_seconds",
			Help:    "Duration of lifecycle operations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"operation"}),
		ReadinessWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kmgr_readiness_wait_seconds",
			Help:    "Time spent waiting for a project pod to become ready.",
			Buckets: prometheus.LinearBuckets(5, 10, 12),
		}),
		CloneRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmgr_repo_clone_runs_total",
			Help: "In-pod repository clone attempts by outcome.",
		}, []string{"outcome"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kmgr_proxy_active_streams",
			Help: "Currently open SSE relays to agent pods.",
		}),
		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kmgr_proxy_stream_events_total",
			Help: "SSE events relayed to callers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmgr_http_requests_total",
			Help: "Control API requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmgr_webhook_events_total",
			Help: "Push webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.Transitions,
		m.TransitionDuration,
		m.ReadinessWait,
		m.CloneRuns,
		m.ActiveStreams,
		m.StreamEvents,
		m.HTTPRequests,
		m.WebhookEvents,
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
