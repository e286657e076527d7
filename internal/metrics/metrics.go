// Package metrics holds the Prometheus collectors for tenant lifecycle,
// scope activation and the HTTP surface. All methods are safe on a nil
// *Metrics so callers can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantry"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	provisionTotal    *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	teardownTotal     *prometheus.CounterVec

	scopesActive      prometheus.Gauge
	scopeFailures     *prometheus.CounterVec
	connsDestroyed    prometheus.Counter
	replicationTotal  *prometheus.CounterVec
	invitationDegrade *prometheus.CounterVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		provisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provisioning pipeline runs by result.",
		}, []string{"result"}),
		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Provisioning pipeline duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_stage_failures_total",
			Help:      "Provisioning failures by pipeline stage.",
		}, []string{"stage"}),
		teardownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_total",
			Help:      "Teardown pipeline runs by result.",
		}, []string{"result"}),
		scopesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scopes_active",
			Help:      "Tenant scopes currently holding a connection.",
		}),
		scopeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_failures_total",
			Help:      "Scope activation or reset failures.",
		}, []string{"phase"}),
		connsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_connections_destroyed_total",
			Help:      "Tenant connections discarded instead of returned to the pool.",
		}),
		replicationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_total",
			Help:      "Identity replication attempts by outcome.",
		}, []string{"outcome"}),
		invitationDegrade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_step_failures_total",
			Help:      "Best-effort invitation acceptance steps that failed.",
		}, []string{"step"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.provisionTotal, m.provisionDuration, m.stageFailures, m.teardownTotal,
		m.scopesActive, m.scopeFailures, m.connsDestroyed,
		m.replicationTotal, m.invitationDegrade,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	)

	return m
}

// Handler serves the registry this Metrics was registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ProvisionFinished(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
		m.stageFailures.WithLabelValues(stage).Inc()
	}
	m.provisionTotal.WithLabelValues(result).Inc()
	m.provisionDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) TeardownFinished(err error) {
	if m == nil {
		return
	}
	m.teardownTotal.WithLabelValues(resultOf(err)).Inc()
}

func (m *Metrics) ScopeOpened() {
	if m == nil {
		return
	}
	m.scopesActive.Inc()
}

func (m *Metrics) ScopeClosed() {
	if m == nil {
		return
	}
	m.scopesActive.Dec()
}

// ScopeFailed counts a failed activation or reset ("activate", "reset").
func (m *Metrics) ScopeFailed(phase string) {
	if m == nil {
		return
	}
	m.scopeFailures.WithLabelValues(phase).Inc()
}

func (m *Metrics) ConnectionDestroyed() {
	if m == nil {
		return
	}
	m.connsDestroyed.Inc()
}

func (m *Metrics) Replicated(outcome string) {
	if m == nil {
		return
	}
	m.replicationTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InvitationStepFailed(step string) {
	if m == nil {
		return
	}
	m.invitationDegrade.WithLabelValues(step).Inc()
}

// Instrument records in-flight count, totals and latency per chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := strconv.Itoa(sw.code)

		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

func resultOf(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController and to
// websocket upgrades that need to hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
