// Package telemetry exposes Prometheus metrics for the job engine.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"automation-backend/internal/events"
)

// Metrics owns a private registry so tests and multiple binaries in one
// process never collide on global registration.
type Metrics struct {
	registry *prometheus.Registry

	JobEvents        *prometheus.CounterVec
	AdmissionRejects *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
	HandlerDuration  *prometheus.HistogramVec
	JobsByStatus     *prometheus.GaugeVec
	ScheduleFires    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_job_events_total", Help: "Job lifecycle events by type and queue",
		}, []string{"event", "queue"}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_admission_rejects_total", Help: "Submissions rejected at admission by error code",
		}, []string{"code"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automation_rate_limit_rejects_total", Help: "Requests rejected by rate limiter",
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_handler_duration_seconds",
			Help:    "Handler execution time by job type and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"type", "outcome"}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "automation_jobs", Help: "Jobs by status at the last maintenance pass",
		}, []string{"status"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_schedule_fires_total", Help: "Schedule fires by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.JobEvents,
		m.AdmissionRejects,
		m.RateLimitRejects,
		m.HandlerDuration,
		m.JobsByStatus,
		m.ScheduleFires,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Publish implements events.Sink.
func (m *Metrics) Publish(_ context.Context, e events.Event) {
	switch e.Type {
	case events.ScheduleFired:
		m.ScheduleFires.WithLabelValues("fired").Inc()
	case events.ScheduleFailed:
		m.ScheduleFires.WithLabelValues("failed").Inc()
	default:
		m.JobEvents.WithLabelValues(e.Type, e.Queue).Inc()
	}
}

// SetStatusCounts mirrors a status histogram into the gauge.
func (m *Metrics) SetStatusCounts(counts map[string]int64) {
	for status, n := range counts {
		m.JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
