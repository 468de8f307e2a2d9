package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	// MaxAttempts of 0 retries until the context is done.
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter adds up to this much random delay to every backoff step.
	Jitter time.Duration
	// OnRetry is called before sleeping after failed attempt n (zero based).
	OnRetry func(n uint, err error)
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Unrecoverable marks err so Do stops retrying and returns it immediately.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}

// Do executes a function with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	delayType := retry.BackOffDelay
	if cfg.Jitter > 0 {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxJitter(cfg.Jitter),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
	}
	if cfg.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(cfg.MaxDelay))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, retry.OnRetry(cfg.OnRetry))
	}

	return retry.Do(fn, opts...)
}

// DoWithResult executes a function with exponential backoff retry and returns a result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
