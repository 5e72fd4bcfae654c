// Package metrics provides Prometheus metrics for the timeline engine and
// its event relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// Metrics holds all application metrics
type Metrics struct {
	RecordsProcessed    prometheus.Counter
	PatientsRejected    prometheus.Counter
	StrataExcluded      prometheus.Counter
	EventsLabeled       *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	Runs                *prometheus.CounterVec
	EventsPublished     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates all metrics and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		RecordsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_records_processed_total",
			Help: "Total dispensing records submitted to the engine",
		}),
		PatientsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_patients_rejected_total",
			Help: "Total patients rejected for malformed records",
		}),
		StrataExcluded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_strata_excluded_total",
			Help: "Total strata without a usable refill gap",
		}),
		EventsLabeled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_events_labeled_total",
			Help: "Total records labeled, by event kind",
		}, []string{"kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timeline_stage_duration_seconds",
			Help:    "Engine stage duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		}, []string{"stage"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_runs_total",
			Help: "Total engine runs, by outcome",
		}, []string{"status"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_events_published_total",
			Help: "Total timeline events published to Kafka",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RecordsProcessed,
		m.PatientsRejected,
		m.StrataExcluded,
		m.EventsLabeled,
		m.StageDuration,
		m.Runs,
		m.EventsPublished,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStage implements timeline.Observer.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddRecords implements timeline.Observer.
func (m *Metrics) AddRecords(n int) { m.RecordsProcessed.Add(float64(n)) }

// AddRejected implements timeline.Observer.
func (m *Metrics) AddRejected(patients int) { m.PatientsRejected.Add(float64(patients)) }

// AddExcludedStrata implements timeline.Observer.
func (m *Metrics) AddExcludedStrata(n int) { m.StrataExcluded.Add(float64(n)) }

// AddEvents implements timeline.Observer.
func (m *Metrics) AddEvents(kind timeline.EventType, n int) {
	m.EventsLabeled.WithLabelValues(string(kind)).Add(float64(n))
}

// RunFinished counts a completed or failed engine run.
func (m *Metrics) RunFinished(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.Runs.WithLabelValues(status).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

var _ timeline.Observer = (*Metrics)(nil)
