package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/mobilemoney/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Payments *PaymentController
	Tokens   *TokenController
	Health   *HealthController

	IdempotencyStore customMW.IdempotencyStore
	IdempotencyTTL   time.Duration
	// Verifier checks callback envelopes when Callback.RequireSignature is set.
	Verifier customMW.SignatureVerifier

	Callback config.CallbackConfig
	Auth     config.AuthConfig
	CORS     config.CORSConfig

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
	// Metrics nil disables HTTP instrumentation and the /metrics route.
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(customMW.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Country", "X-Currency", "x-signature", "x-key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.SecurityHeaders())
	r.Use(customMW.Metrics(deps.Metrics))

	r.Get("/health", deps.Health.Health)
	r.Get("/health/live", deps.Health.Liveness)
	r.Get("/health/ready", deps.Health.Readiness)

	if deps.Metrics != nil {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = promhttp.Handler()
		}
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Payments
		ussd := r.With()
		if deps.IdempotencyStore != nil {
			ussd = r.With(customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL, deps.Logger))
		}
		ussd.Post("/payments/ussd", deps.Payments.InitiateUSSD)
		r.Get("/payments/status/{transactionId}", deps.Payments.GetStatus)

		callback := r.With(customMW.RateLimit(deps.Callback.RateLimit))
		if deps.Callback.RequireSignature && deps.Verifier != nil {
			callback = callback.With(customMW.RequireSignature(deps.Verifier, deps.Logger))
		}
		callback.Post("/payments/callback", deps.Payments.Callback)

		// Provider credentials for internal services
		r.With(customMW.RequireAuth(deps.Auth.JWTSecret)).Get("/airtel/token", deps.Tokens.GetToken)
	})

	return r
}
