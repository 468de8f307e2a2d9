package payment

import (
	"context"
	"time"
)

// CallbackRecord is one row of the callback ledger.
type CallbackRecord struct {
	TransactionID string
	StatusCode    StatusCode
	AirtelMoneyID string
	Message       string
	Payload       []byte
	ReceivedAt    time.Time
	MessageID     *string
	ConsumedAt    *time.Time
}

// CallbackRepository defines persistence for received provider callbacks
type CallbackRepository interface {
	// Record stores a callback once per (transaction id, status code).
	// It returns false when the callback was already recorded. A recorded
	// callback without a MessageID has not been delivered yet.
	Record(ctx context.Context, rec *CallbackRecord) (bool, error)

	// AttachMessage links the published message id to the recorded callback
	AttachMessage(ctx context.Context, transactionID string, status StatusCode, messageID string) error

	// MarkConsumed records that a subscriber acknowledged the result event
	MarkConsumed(ctx context.Context, messageID string, consumedAt time.Time) error

	// GetByTransactionID returns the recorded callbacks for a transaction, oldest first
	GetByTransactionID(ctx context.Context, transactionID string) ([]*CallbackRecord, error)
}
