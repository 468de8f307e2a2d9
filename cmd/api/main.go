package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
	"github.com/cassiomorais/mobilemoney/internal/bootstrap"
	"github.com/cassiomorais/mobilemoney/internal/controller"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq"
	"github.com/cassiomorais/mobilemoney/internal/repository/postgres"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "mobilemoney-api", "mobilemoney")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	if err := cfg.Airtel.Validate(); err != nil {
		app.Logger.Warn().Err(err).Msg("Provider settings incomplete, provider calls will fail until configured")
	}

	provider, err := app.NewAirtel()
	if err != nil {
		app.Logger.Error().Err(err).Msg("Failed to configure provider client")
		return
	}

	// Connect early so readiness reflects the broker. Publishing reconnects
	// on demand if this fails.
	if err := app.Broker.Connect(ctx); err != nil {
		app.Logger.Warn().Err(err).Msg("Broker not reachable yet, callbacks will be queued in the outbox")
	}

	// --- Repositories ---
	callbackRepo := postgres.NewCallbackRepository(app.Pool)
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	idempotencyRepo := postgres.NewIdempotencyRepository(app.Pool)

	// --- Use cases ---
	ussdUC := paymentApp.NewInitiateUSSDPaymentUseCase(provider.Client, app.Logger)
	statusUC := paymentApp.NewGetTransactionStatusUseCase(provider.Client, app.Logger)
	callbackUC := paymentApp.NewProcessCallbackUseCase(
		paymentApp.CallbackAuth{Enabled: cfg.Callback.EnableAuth, Secret: cfg.Callback.Secret},
		callbackRepo,
		rabbitmq.NewResultPublisher(app.Broker),
		outboxRepo,
		app.Logger,
		app.Metrics,
	)

	// --- Build router ---
	httpMetrics := app.Metrics
	if !cfg.Observability.EnableMetrics {
		httpMetrics = nil
	}
	router := controller.NewRouter(controller.RouterDeps{
		Payments:         controller.NewPaymentController(ussdUC, statusUC, callbackUC),
		Tokens:           controller.NewTokenController(provider.Tokens),
		Health:           controller.NewHealthController(app.Pool, app.Cache, app.Broker),
		IdempotencyStore: idempotencyRepo,
		IdempotencyTTL:   cfg.Worker.IdempotencyTTL,
		Verifier:         provider.Signer,
		Callback:         cfg.Callback,
		Auth:             cfg.Auth,
		CORS:             cfg.Server.CORS,
		Metrics:          httpMetrics,
		Logger:           app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
