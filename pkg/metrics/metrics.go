// Package metrics owns the server's Prometheus collectors. One Metrics
// value is shared by the engine (run lifecycle), the HTTP layer (request
// counts and latency, SSE subscribers), and the /metrics endpoints. The
// collectors live on a private registry so tests never collide with the
// global default.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandlabs/strand/pkg/models"
)

// Metrics implements the engine's Recorder and the HTTP layer's hooks.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	sseSubscribers prometheus.Gauge
}

// New builds the collector set on a fresh registry, with the standard Go
// runtime and process collectors alongside.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_runs_started_total",
			Help: "Runs admitted and started, by graph.",
		}, []string{"graph_id"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_runs_finished_total",
			Help: "Runs settled, by graph and terminal status.",
		}, []string{"graph_id", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_run_duration_seconds",
			Help:    "Wall time from execution start to settlement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"graph_id", "status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_active_runs",
			Help: "Runs currently executing or waiting in-process.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_http_requests_total",
			Help: "HTTP requests served, by method, route and status code.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sseSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_sse_subscribers",
			Help: "Open SSE streams.",
		}),
	}
}

// RunStarted implements the engine's Recorder.
func (m *Metrics) RunStarted(graphID string) {
	m.runsStarted.WithLabelValues(graphID).Inc()
}

// RunFinished implements the engine's Recorder.
func (m *Metrics) RunFinished(graphID string, status models.RunStatus, elapsed time.Duration) {
	m.runsFinished.WithLabelValues(graphID, string(status)).Inc()
	m.runDuration.WithLabelValues(graphID, string(status)).Observe(elapsed.Seconds())
}

// ActiveRuns implements the engine's Recorder.
func (m *Metrics) ActiveRuns(n int) {
	m.activeRuns.Set(float64(n))
}

// HTTPRequest records one served request. path is the route template, not
// the raw URL, so label cardinality stays bounded.
func (m *Metrics) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// SSEOpened and SSEClosed bracket one streaming response.
func (m *Metrics) SSEOpened() { m.sseSubscribers.Inc() }

// SSEClosed decrements the open-stream gauge.
func (m *Metrics) SSEClosed() { m.sseSubscribers.Dec() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
