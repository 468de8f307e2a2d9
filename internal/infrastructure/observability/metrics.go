package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Credential metrics
	TokenRefreshes   *prometheus.CounterVec
	TokenCacheHits   *prometheus.CounterVec
	KeyFetches       *prometheus.CounterVec
	SigningDegraded  *prometheus.CounterVec
	LockWaitDuration *prometheus.HistogramVec
	LockTimeouts     *prometheus.CounterVec

	// Provider metrics
	ProviderRequests        *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	CircuitBreakerState     *prometheus.GaugeVec

	// Delivery metrics
	CallbacksReceived *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	OutboxRelayed     *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Access token refreshes against the provider by result",
			},
			[]string{"result"},
		),
		TokenCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_cache_hits_total",
				Help:      "Access token reads served from the shared cache by stage",
			},
			[]string{"stage"},
		),
		KeyFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signing_key_fetches_total",
				Help:      "Signing key lookups by source and result",
			},
			[]string{"source", "result"},
		),
		SigningDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signing_degraded_total",
				Help:      "Requests sent without a signature because signing failed",
			},
			[]string{"reason"},
		),
		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_duration_seconds",
				Help:      "Time spent waiting to acquire a distributed lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"key"},
		),
		LockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Lock acquisitions that gave up after the maximum wait",
			},
			[]string{"key"},
		),
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider API calls by operation and HTTP status",
			},
			[]string{"operation", "status"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider API call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CallbacksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_received_total",
				Help:      "Provider callbacks by outcome",
			},
			[]string{"outcome"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Payment result events published by routing key and result",
			},
			[]string{"routing_key", "result"},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_consumed_total",
				Help:      "Payment result messages consumed by routing key and outcome",
			},
			[]string{"routing_key", "outcome"},
		),
		OutboxRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_relayed_total",
				Help:      "Outbox entries relayed to the broker by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.TokenRefreshes,
		m.TokenCacheHits,
		m.KeyFetches,
		m.SigningDegraded,
		m.LockWaitDuration,
		m.LockTimeouts,
		m.ProviderRequests,
		m.ProviderRequestDuration,
		m.CircuitBreakerState,
		m.CallbacksReceived,
		m.EventsPublished,
		m.MessagesConsumed,
		m.OutboxRelayed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
