package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallbackRepository stores the callback ledger in the callbacks table.
type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

func (r *CallbackRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *CallbackRepository) Record(ctx context.Context, rec *payment.CallbackRecord) (bool, error) {
	var payload []byte
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO callbacks (transaction_id, status_code, airtel_money_id, message, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (transaction_id, status_code) DO NOTHING`,
		rec.TransactionID, string(rec.StatusCode), rec.AirtelMoneyID, rec.Message, payload, rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record callback: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CallbackRepository) AttachMessage(ctx context.Context, transactionID string, status payment.StatusCode, messageID string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE callbacks SET message_id = $1 WHERE transaction_id = $2 AND status_code = $3`,
		messageID, transactionID, string(status),
	)
	if err != nil {
		return fmt.Errorf("attach message to callback: %w", err)
	}
	return nil
}

func (r *CallbackRepository) MarkConsumed(ctx context.Context, messageID string, consumedAt time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE callbacks SET consumed_at = $1 WHERE message_id = $2 AND consumed_at IS NULL`,
		consumedAt, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark callback consumed: %w", err)
	}
	return nil
}

func (r *CallbackRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*payment.CallbackRecord, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT transaction_id, status_code, airtel_money_id, message, payload, received_at, message_id, consumed_at
		 FROM callbacks WHERE transaction_id = $1
		 ORDER BY received_at ASC`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get callbacks: %w", err)
	}
	defer rows.Close()

	var records []*payment.CallbackRecord
	for rows.Next() {
		rec := &payment.CallbackRecord{}
		var status string
		if err := rows.Scan(&rec.TransactionID, &status, &rec.AirtelMoneyID, &rec.Message, &rec.Payload, &rec.ReceivedAt, &rec.MessageID, &rec.ConsumedAt); err != nil {
			return nil, fmt.Errorf("scan callback: %w", err)
		}
		rec.StatusCode = payment.StatusCode(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}
