package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the STK push server.
type Metrics struct {
	// Initiation metrics
	PushesTotal   *prometheus.CounterVec
	PushesFailed  *prometheus.CounterVec
	PushDuration  *prometheus.HistogramVec
	PushRetries   prometheus.Counter

	// Callback/reconciliation metrics
	CallbacksTotal      *prometheus.CounterVec
	DuplicateCallbacks  prometheus.Counter
	UnknownCorrelations prometheus.Counter
	SettlementDuration  prometheus.Histogram

	// Token cache metrics
	TokenRefreshesTotal *prometheus.CounterVec
	TokenCacheHits      prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_pushes_total",
				Help: "Total number of STK push initiation attempts",
			},
			[]string{"outcome"},
		),
		PushesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_pushes_failed_total",
				Help: "Total number of failed STK push initiations",
			},
			[]string{"reason"},
		),
		PushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpesa_push_duration_seconds",
				Help:    "Time taken to complete the synchronous push round trip",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		PushRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mpesa_push_retries_total",
				Help: "Total number of retried push attempts after transport failures",
			},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_callbacks_total",
				Help: "Total number of gateway callbacks received",
			},
			[]string{"outcome"},
		),
		DuplicateCallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mpesa_duplicate_callbacks_total",
				Help: "Callbacks dropped because the transaction was already terminal",
			},
		),
		UnknownCorrelations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mpesa_unknown_correlations_total",
				Help: "Callbacks referencing a checkout request id not on record",
			},
		),
		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mpesa_settlement_duration_seconds",
				Help:    "Time from push initiation to terminal callback",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		TokenRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_token_refreshes_total",
				Help: "Total number of OAuth credential refreshes",
			},
			[]string{"outcome"},
		),
		TokenCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mpesa_token_cache_hits_total",
				Help: "GetToken calls served from the cached credential",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_http_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpesa_http_request_duration_seconds",
				Help:    "HTTP request latency (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"route", "method"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpesa_db_query_duration_seconds",
				Help:    "Database operation latency by operation and backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObservePush records an initiation attempt with its outcome and latency.
// Outcome is one of: accepted, rejected, unavailable, auth_error, conflict.
func (m *Metrics) ObservePush(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PushesTotal.WithLabelValues(outcome).Inc()
	m.PushDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome != "accepted" {
		m.PushesFailed.WithLabelValues(outcome).Inc()
	}
}

// ObserveCallback records a processed callback.
// Outcome is one of: completed, failed, duplicate, unknown, malformed, error.
func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case "duplicate":
		m.DuplicateCallbacks.Inc()
	case "unknown":
		m.UnknownCorrelations.Inc()
	}
}

// ObserveSettlement records time from initiation to terminal transition.
func (m *Metrics) ObserveSettlement(duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.Observe(duration.Seconds())
}

// ObserveTokenRefresh records a credential refresh attempt.
func (m *Metrics) ObserveTokenRefresh(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenCacheHit records a GetToken call served from cache.
func (m *Metrics) ObserveTokenCacheHit() {
	if m == nil {
		return
	}
	m.TokenCacheHits.Inc()
}

// ObserveRateLimit records a rate-limited request.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records database operation latency.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
