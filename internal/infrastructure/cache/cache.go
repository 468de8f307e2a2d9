// Package cache is the shared key/value store that coordinates credentials,
// locks and consumer de-duplication across service instances.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTTL is returned when a write would create an entry that never expires.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

type Cache interface {
	// Get returns found=false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Ping(ctx context.Context) error
}

func checkTTL(key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: key %s ttl %s", ErrInvalidTTL, key, ttl)
	}
	return nil
}
