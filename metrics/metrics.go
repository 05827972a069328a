// Package metrics exposes ledger and HTTP metrics to Prometheus.
//
// All collectors live on a private registry so tests can build as many
// Metrics values as they like without duplicate-registration panics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/toil-ledger/toil"
)

const namespace = "toil"

// Metrics implements toil.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	eventsCreated  *prometheus.CounterVec
	eventsResolved *prometheus.CounterVec
	eventsDeleted  prometheus.Counter
	failures       *prometheus.CounterVec
	pending        prometheus.Gauge

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ toil.Recorder = (*Metrics)(nil)

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_created_total",
			Help:      "TOIL events created, by type.",
		}, []string{"type"}),
		eventsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_resolved_total",
			Help:      "TOIL events approved or rejected, by resulting status.",
		}, []string{"status"}),
		eventsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deleted_total",
			Help:      "PENDING TOIL events deleted by their owner.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed ledger operations, by operation and error kind.",
		}, []string{"operation", "kind"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Events awaiting manager review at the last refresh.",
		}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventCreated(t toil.EventType) {
	m.eventsCreated.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventResolved(s toil.Status) {
	m.eventsResolved.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) EventDeleted() {
	m.eventsDeleted.Inc()
}

func (m *Metrics) OperationFailed(op string, err error) {
	m.failures.WithLabelValues(op, toil.ErrorKind(err)).Inc()
}

// SetPending records the size of the review queue.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// Instrument measures in-flight requests, totals and latency. route returns
// the label for a finished request; it runs after next so routers that fill
// in the matched pattern late can supply it.
func (m *Metrics) Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			status := strconv.Itoa(sw.code)
			label := route(r)
			m.httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
