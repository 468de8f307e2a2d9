package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
	"github.com/cassiomorais/mobilemoney/internal/application/paymentresult"
	"github.com/cassiomorais/mobilemoney/internal/bootstrap"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq"
	"github.com/cassiomorais/mobilemoney/internal/repository/postgres"
	"github.com/cassiomorais/mobilemoney/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const idempotencyCleanupInterval = time.Hour

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "mobilemoney-worker", "mobilemoney_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	workerCfg := app.Config.Worker

	// --- Repositories ---
	callbackRepo := postgres.NewCallbackRepository(app.Pool)
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	idempotencyRepo := postgres.NewIdempotencyRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)

	// --- Use cases ---
	resultHandler := paymentresult.NewHandler(app.Cache, callbackRepo, workerCfg.IdempotencyTTL, app.Logger, app.Metrics)
	relayUC := paymentApp.NewRelayOutboxUseCase(
		outboxRepo,
		rabbitmq.NewResultPublisher(app.Broker),
		txManager,
		workerCfg.OutboxBatchSize,
		app.Logger,
		app.Metrics,
	)

	app.Logger.Info().
		Str("queue", app.Config.RabbitMQ.Queue).
		Str("exchange", app.Config.RabbitMQ.Exchange).
		Dur("outbox_poll_interval", workerCfg.OutboxPollInterval).
		Msg("Worker started")

	// Signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Payment result consumer, reconnecting with backoff.
	g.Go(func() error {
		return runConsumer(gCtx, app.Logger, app.Broker, resultHandler.Handle, workerCfg.ReconnectDelay)
	})

	// 2. Outbox relay for events the API could not publish.
	g.Go(func() error {
		return runOutboxRelay(gCtx, app.Logger, relayUC, workerCfg.OutboxPollInterval)
	})

	// 3. Expired idempotency keys.
	g.Go(func() error {
		return runIdempotencyCleanup(gCtx, app.Logger, idempotencyRepo)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// resultConsumer is the part of *rabbitmq.Channel the consumer loop drives.
type resultConsumer interface {
	Consume(ctx context.Context, handler rabbitmq.Handler) error
	EnsureReady(ctx context.Context) error
}

// runConsumer consumes until ctx is done. After the stream drops it waits for
// the broker with EnsureReady, which keeps a connection another loop already
// restored.
func runConsumer(
	ctx context.Context,
	logger zerolog.Logger,
	broker resultConsumer,
	handler rabbitmq.Handler,
	reconnectDelay time.Duration,
) error {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	backoff := retry.Config{
		InitialDelay: reconnectDelay,
		MaxDelay:     30 * reconnectDelay,
		Jitter:       reconnectDelay / 2,
		OnRetry: func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("Broker not reachable, retrying")
		},
	}

	for {
		err := broker.Consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Msg("Consumer stopped, reconnecting")

		if err := retry.Do(ctx, backoff, func() error { return broker.EnsureReady(ctx) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func runOutboxRelay(
	ctx context.Context,
	logger zerolog.Logger,
	relay *paymentApp.RelayOutboxUseCase,
	pollInterval time.Duration,
) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		res, err := relay.Execute(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Outbox relay error")
			continue
		}
		if res.Published > 0 || res.Failed > 0 {
			logger.Info().Int("published", res.Published).Int("failed", res.Failed).Msg("Outbox relayed")
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, logger zerolog.Logger, repo *postgres.IdempotencyRepository) error {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := repo.Cleanup(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency key cleanup failed")
			continue
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("Expired idempotency keys removed")
		}
	}
}
