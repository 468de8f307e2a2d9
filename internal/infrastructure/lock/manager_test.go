package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/cache"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		TTL:           time.Second,
		RetryDelay:    2 * time.Millisecond,
		MaxRetryDelay: 10 * time.Millisecond,
		MaxWait:       2 * time.Second,
	}
}

func newManager(c cache.Cache, opts Options) *Manager {
	return NewManager(c, opts, zerolog.Nop(), observability.NewMetrics("test", prometheus.NewRegistry()))
}

type failingCache struct {
	cache.Cache
	err error
}

func (f failingCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, f.err
}

func TestManager_AcquireRelease(t *testing.T) {
	c := cache.NewMemoryCache()
	m := newManager(c, fastOptions())
	ctx := context.Background()

	owner, err := m.Acquire(ctx, "AIRTEL_TOKEN_REFRESH_LOCK")
	require.NoError(t, err)
	assert.NotEmpty(t, owner)

	val, found, err := c.Get(ctx, "AIRTEL_TOKEN_REFRESH_LOCK")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, owner, val)

	require.NoError(t, m.Release(ctx, "AIRTEL_TOKEN_REFRESH_LOCK", owner))

	_, found, _ = c.Get(ctx, "AIRTEL_TOKEN_REFRESH_LOCK")
	assert.False(t, found)
}

func TestManager_ReleaseByStaleOwnerIsNoop(t *testing.T) {
	c := cache.NewMemoryCache()
	m := newManager(c, fastOptions())
	ctx := context.Background()

	owner, err := m.Acquire(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "k", "someone-else"))

	val, found, _ := c.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, owner, val)
}

func TestManager_MutualExclusion(t *testing.T) {
	c := cache.NewMemoryCache()
	managers := []*Manager{
		NewManager(c, fastOptions(), zerolog.Nop(), nil),
		NewManager(c, fastOptions(), zerolog.Nop(), nil),
	}

	var inside, maxInside, total atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			err := m.WithLock(context.Background(), "critical", func(context.Context) error {
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				total.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}(managers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, int32(10), total.Load())
}

func TestManager_Timeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	c := cache.NewMemoryCache()
	opts := fastOptions()
	opts.TTL = time.Minute
	opts.MaxWait = 50 * time.Millisecond
	m := NewManager(c, opts, zerolog.Nop(), metrics)

	_, err := c.SetNX(context.Background(), "busy", "holder", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "busy")
	assert.ErrorIs(t, err, domainErrors.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LockTimeouts.WithLabelValues("busy")))
}

func TestManager_ExpiredLeaseIsTakenOver(t *testing.T) {
	c := cache.NewMemoryCache()
	opts := fastOptions()
	opts.TTL = 30 * time.Millisecond
	m := newManager(c, opts)
	ctx := context.Background()

	// Holder never releases.
	_, err := m.Acquire(ctx, "k")
	require.NoError(t, err)

	owner, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.NotEmpty(t, owner)
}

func TestManager_ContextCancelled(t *testing.T) {
	c := cache.NewMemoryCache()
	m := newManager(c, fastOptions())

	_, err := c.SetNX(context.Background(), "busy", "holder", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domainErrors.ErrLockTimeout)
}

func TestManager_CacheErrorAbortsImmediately(t *testing.T) {
	boom := errors.New("connection refused")
	m := newManager(failingCache{Cache: cache.NewMemoryCache(), err: boom}, fastOptions())

	start := time.Now()
	_, err := m.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domainErrors.ErrLockTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestManager_WithLockReleasesOnError(t *testing.T) {
	c := cache.NewMemoryCache()
	m := newManager(c, fastOptions())
	fnErr := errors.New("refresh failed")

	err := m.WithLock(context.Background(), "k", func(context.Context) error { return fnErr })
	assert.ErrorIs(t, err, fnErr)

	_, found, _ := c.Get(context.Background(), "k")
	assert.False(t, found)
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(cache.NewMemoryCache(), Options{}, zerolog.Nop(), nil)
	assert.Equal(t, DefaultOptions(), m.opts)
}
