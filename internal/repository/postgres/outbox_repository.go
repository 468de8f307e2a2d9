package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (id, transaction_id, routing_key, message_id, payload, status, retry_count, max_retries, created_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.TransactionID, string(entry.RoutingKey), entry.MessageID, entry.Payload,
		string(entry.Status), entry.RetryCount, entry.MaxRetries, entry.CreatedAt, dueAt(entry),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, transaction_id, routing_key, message_id, payload, status, retry_count, max_retries,
		        last_error, created_at, next_attempt_at, published_at
		 FROM outbox
		 WHERE status = 'pending' AND next_attempt_at <= NOW()
		 ORDER BY next_attempt_at, created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		e := &outbox.Entry{}
		var routingKey, status string
		if err := rows.Scan(&e.ID, &e.TransactionID, &routingKey, &e.MessageID, &e.Payload, &status,
			&e.RetryCount, &e.MaxRetries, &e.LastError, &e.CreatedAt, &e.NextAttemptAt, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.RoutingKey = payment.RoutingKey(routingKey)
		e.Status = outbox.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = $1 WHERE id = $2 AND status = 'pending'`, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %s published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark outbox %s published: %w", id, pgx.ErrNoRows)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1,
		        last_error = $2,
		        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		        next_attempt_at = NOW() + make_interval(secs => LEAST($3 * power(2, retry_count), $4))
		 WHERE id = $1`,
		id, reason, outbox.BaseRetryDelay.Seconds(), outbox.MaxRetryDelay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("mark outbox %s failed: %w", id, err)
	}
	return nil
}

func dueAt(e *outbox.Entry) time.Time {
	if e.NextAttemptAt.IsZero() {
		return e.CreatedAt
	}
	return e.NextAttemptAt
}
