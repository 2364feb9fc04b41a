// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument on one registry so tests can create
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksReceived    *prometheus.CounterVec
	JobsProcessed       *prometheus.CounterVec
	OccurrencesIngested prometheus.Counter
	TestsAnalyzed       prometheus.Counter
	CheckRunsPublished  prometheus.Counter
	ActionsApplied      *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	PollCycles          prometheus.Counter
}

// New creates a registry with all instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_webhooks_received_total",
			Help: "Webhook deliveries received, by event type and outcome.",
		}, []string{"event", "outcome"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_jobs_processed_total",
			Help: "Queue jobs processed, by queue and result.",
		}, []string{"queue", "result"}),
		OccurrencesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_occurrences_ingested_total",
			Help: "Test occurrences written to the store.",
		}),
		TestsAnalyzed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_tests_analyzed_total",
			Help: "Test cases run through the detection engine.",
		}),
		CheckRunsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_check_runs_published_total",
			Help: "Check runs created or updated on the host.",
		}),
		ActionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_actions_applied_total",
			Help: "Check-run actions applied, by identifier.",
		}, []string{"action"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flakeguard_queue_depth",
			Help: "Waiting jobs per queue.",
		}, []string{"queue"}),
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_poll_cycles_total",
			Help: "Poller ticks executed.",
		}),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
