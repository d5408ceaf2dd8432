package core

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger collectors on a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	tokensIssued       prometheus.Counter
	tokensRevoked      *prometheus.CounterVec
	resetRequests      *prometheus.CounterVec
	resetVerifications *prometheus.CounterVec
	storageErrors      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_tokens_issued_total",
			Help: "Session tokens issued",
		}),
		tokensRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_tokens_revoked_total",
			Help: "Session tokens removed from the ledger",
		}, []string{"reason"}),
		resetRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reset_requests_total",
			Help: "Password reset requests by outcome",
		}, []string{"outcome"}),
		resetVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reset_verifications_total",
			Help: "Reset key verifications by outcome",
		}, []string{"outcome"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_storage_errors_total",
			Help: "Swallowed storage failures",
		}, []string{"ledger"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	registry.MustRegister(
		m.tokensIssued,
		m.tokensRevoked,
		m.resetRequests,
		m.resetVerifications,
		m.storageErrors,
		m.requestDuration,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) tokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) tokensRemoved(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) resetRequest(outcome string) {
	if m == nil {
		return
	}
	m.resetRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) resetVerification(outcome string) {
	if m == nil {
		return
	}
	m.resetVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storageError(ledger string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(ledger).Inc()
}
