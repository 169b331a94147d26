package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the escalation lifecycle.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound questions
	KnowledgeHits prometheus.Counter
	Escalations   prometheus.Counter

	// Terminal transitions
	Resolutions          *prometheus.CounterVec
	ResolveConflicts     prometheus.Counter
	KnowledgeWriteErrors prometheus.Counter
	TimeToResolution     *prometheus.HistogramVec

	// Notifications
	Notifications *prometheus.CounterVec

	// Sweeper
	Sweeps          prometheus.Counter
	SweepErrors     prometheus.Counter
	MalformedSkips  prometheus.Counter
	PendingRequests prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry, so tests can
// build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		KnowledgeHits: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_knowledge_hits_total",
			Help: "Inbound questions answered directly from learned knowledge",
		}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_escalations_total",
			Help: "Inbound questions escalated to a supervisor",
		}),

		Resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdesk_resolutions_total",
				Help: "Terminal help request transitions",
			},
			[]string{"status", "resolved_by"},
		),
		ResolveConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_resolve_conflicts_total",
			Help: "Resolve attempts on requests that were no longer pending",
		}),
		KnowledgeWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_knowledge_write_errors_total",
			Help: "Resolved answers that could not be written to the knowledge base",
		}),
		TimeToResolution: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontdesk_time_to_resolution_seconds",
				Help:    "Time from escalation to terminal transition",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43min
			},
			[]string{"resolved_by"},
		),

		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdesk_notifications_total",
				Help: "Notification delivery outcomes",
			},
			[]string{"kind", "result"},
		),

		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_sweeps_total",
			Help: "Timeout sweep ticks",
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_sweep_errors_total",
			Help: "Timeout sweep ticks that failed",
		}),
		MalformedSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_malformed_records_skipped_total",
			Help: "Stored help requests skipped by the sweeper because they could not be decoded",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "frontdesk_pending_requests",
			Help: "Pending help requests seen by the last sweep",
		}),
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors. Only the
// server process wants these.
func (m *Metrics) WithRuntimeCollectors() *Metrics {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
