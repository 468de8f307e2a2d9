// Package lock provides a lease lock over the shared cache. A lease expires
// after its TTL whether or not the holder releases it, so a crashed holder
// cannot block other instances for longer than one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/cache"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/cassiomorais/mobilemoney/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Options struct {
	TTL           time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxWait       time.Duration
}

func DefaultOptions() Options {
	return Options{
		TTL:           30 * time.Second,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: time.Second,
		MaxWait:       30 * time.Second,
	}
}

type Manager struct {
	cache   cache.Cache
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewManager fills zero options from DefaultOptions. metrics may be nil.
func NewManager(c cache.Cache, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	return &Manager{
		cache:   c,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

var errHeld = errors.New("lock held by another owner")

// Acquire blocks until the lease on key is taken and returns the owner id
// needed to release it. It gives up with ErrLockTimeout after MaxWait.
func (m *Manager) Acquire(ctx context.Context, key string) (string, error) {
	owner := uuid.NewString()
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.MaxWait)
	defer cancel()

	attempts := 0
	err := retry.Do(waitCtx, retry.Config{
		MaxAttempts:  0,
		InitialDelay: m.opts.RetryDelay,
		MaxDelay:     m.opts.MaxRetryDelay,
		Jitter:       m.opts.RetryDelay,
	}, func() error {
		attempts++
		ok, err := m.cache.SetNX(waitCtx, key, owner, m.opts.TTL)
		if err != nil {
			if waitCtx.Err() != nil {
				return errHeld
			}
			return retry.Unrecoverable(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	})

	waited := time.Since(start)
	if m.metrics != nil {
		m.metrics.LockWaitDuration.WithLabelValues(key).Observe(waited.Seconds())
	}

	if err == nil {
		m.logger.Debug().Str("lock_key", key).Int("attempts", attempts).Dur("waited", waited).Msg("Lock acquired")
		return owner, nil
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if waitCtx.Err() != nil || errors.Is(err, errHeld) {
		if m.metrics != nil {
			m.metrics.LockTimeouts.WithLabelValues(key).Inc()
		}
		m.logger.Warn().Str("lock_key", key).Dur("waited", waited).Msg("Gave up waiting for lock")
		return "", fmt.Errorf("%w: %s after %s", domainErrors.ErrLockTimeout, key, m.opts.MaxWait)
	}
	return "", fmt.Errorf("acquire lock %s: %w", key, err)
}

// Release frees the lease if owner still holds it. Releasing a lease that
// expired or passed to another owner is a no-op.
func (m *Manager) Release(ctx context.Context, key, owner string) error {
	deleted, err := m.cache.CompareAndDelete(ctx, key, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !deleted {
		m.logger.Debug().Str("lock_key", key).Msg("Lock no longer held by this owner, nothing to release")
	}
	return nil
}

// WithLock runs fn while holding the lease on key.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	owner, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.Release(releaseCtx, key, owner); err != nil {
			m.logger.Error().Err(err).Str("lock_key", key).Msg("Failed to release lock")
		}
	}()

	return fn(ctx)
}
