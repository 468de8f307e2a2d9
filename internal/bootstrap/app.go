package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/cache"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/lock"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq"
	infraRedis "github.com/cassiomorais/mobilemoney/internal/infrastructure/redis"
	"github.com/cassiomorais/mobilemoney/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool
	// Redis is nil when cache.driver is memory.
	Redis   *redis.Client
	Cache   cache.Cache
	Locks   *lock.Manager
	Broker  *rabbitmq.Channel
	Metrics *observability.Metrics

	tracer *sdktrace.TracerProvider
}

// Airtel holds the provider credential managers and API client.
type Airtel struct {
	Tokens *airtel.TokenManager
	Keys   *airtel.KeyManager
	Signer *airtel.Signer
	Client *airtel.Client
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogOptions{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: serviceName,
	}, os.Stdout)
	log.Logger = logger
	logger.Info().Str("instance_id", cfg.InstanceID).Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Metrics = observability.NewMetrics(metricsNamespace, nil)

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	switch cfg.Cache.Driver {
	case "memory":
		app.Cache = cache.NewMemoryCache()
		logger.Warn().Msg("Using in-process cache, credentials and locks are not shared between instances")
	default:
		app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Cache = cache.NewRedisCache(app.Redis)
		logger.Info().Msg("Connected to Redis")
	}

	app.Locks = lock.NewManager(app.Cache, lock.Options{
		TTL:           cfg.Lock.TTL,
		RetryDelay:    cfg.Lock.RetryDelay,
		MaxRetryDelay: cfg.Lock.MaxRetryDelay,
		MaxWait:       cfg.Lock.MaxWait,
	}, logger, app.Metrics)

	// The broker connects lazily on first publish or consume.
	app.Broker = rabbitmq.NewChannel(rabbitmq.OptionsFromConfig(cfg.RabbitMQ), nil, logger, app.Metrics)

	return app, nil
}

// NewAirtel wires the provider client. Outbound calls are traced through an
// otelhttp transport.
func (a *App) NewAirtel() (*Airtel, error) {
	cfg := a.Config.Airtel
	httpClient := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	tokens := airtel.NewTokenManager(cfg, a.Cache, a.Locks, httpClient, a.Logger, a.Metrics)
	keys := airtel.NewKeyManager(cfg, a.Cache, tokens, httpClient, a.Logger, a.Metrics)
	signer, err := airtel.NewSigner(cfg, keys, a.Logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &Airtel{
		Tokens: tokens,
		Keys:   keys,
		Signer: signer,
		Client: airtel.NewClient(cfg, httpClient, tokens, signer, a.Logger, a.Metrics),
	}, nil
}

func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker channel")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.tracer != nil {
		if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
