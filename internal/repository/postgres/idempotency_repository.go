package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyEntry is a stored response replayed for a repeated Idempotency-Key.
type IdempotencyEntry struct {
	Key            string
	RequestHash    string
	ResponseBody   string
	ResponseStatus int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Get returns nil when the key is unknown or expired.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyEntry, error) {
	e := &IdempotencyEntry{}
	err := r.db(ctx).QueryRow(ctx,
		`SELECT key, request_hash, response_body, response_status, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&e.Key, &e.RequestHash, &e.ResponseBody, &e.ResponseStatus, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key %q: %w", key, err)
	}
	return e, nil
}

// Set stores the response for entry.Key. A live entry written by a concurrent
// request is kept; only an expired one is replaced.
func (r *IdempotencyRepository) Set(ctx context.Context, entry *IdempotencyEntry) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, response_body, response_status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET request_hash = EXCLUDED.request_hash,
		        response_body = EXCLUDED.response_body,
		        response_status = EXCLUDED.response_status,
		        created_at = EXCLUDED.created_at,
		        expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= NOW()`,
		entry.Key, entry.RequestHash, entry.ResponseBody, entry.ResponseStatus, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("set idempotency key %q: %w", entry.Key, err)
	}
	return nil
}

const cleanupBatchSize = 1000

// Cleanup deletes expired keys in batches and returns how many were removed.
func (r *IdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	var total int64
	for {
		tag, err := r.db(ctx).Exec(ctx,
			`DELETE FROM idempotency_keys
			 WHERE key IN (SELECT key FROM idempotency_keys WHERE expires_at < NOW() LIMIT $1)`,
			cleanupBatchSize,
		)
		if err != nil {
			return total, fmt.Errorf("cleanup idempotency keys: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < cleanupBatchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}
