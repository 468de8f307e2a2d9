package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/google/uuid"
)

// Entry is a payment result event that could not be delivered to the broker
// when the callback was processed. The worker relays pending entries.
type Entry struct {
	ID            uuid.UUID
	TransactionID string
	RoutingKey    payment.RoutingKey
	MessageID     string
	Payload       []byte
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     *string
	CreatedAt     time.Time
	// NextAttemptAt holds the entry back from the relay after a failure.
	NextAttemptAt time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

const defaultMaxRetries = 5

// Relay retries back off exponentially from BaseRetryDelay up to MaxRetryDelay.
const (
	BaseRetryDelay = 2 * time.Second
	MaxRetryDelay  = 5 * time.Minute
)

// RetryDelay is the wait before the next relay attempt once retryCount
// attempts have failed.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := BaseRetryDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	return d
}

// NewEntry serializes ev into a pending outbox entry.
func NewEntry(ev *payment.ResultEvent) (*Entry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal result event: %w", err)
	}
	now := time.Now()
	return &Entry{
		ID:            uuid.New(),
		TransactionID: ev.Transaction.ID,
		RoutingKey:    ev.RoutingKey,
		MessageID:     ev.MessageID,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    defaultMaxRetries,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// Event decodes the stored result event.
func (e *Entry) Event() (*payment.ResultEvent, error) {
	var ev payment.ResultEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal outbox payload %s: %w", e.ID, err)
	}
	return &ev, nil
}

// Exhausted reports whether one more failure moves the entry to StatusFailed.
func (e *Entry) Exhausted() bool {
	return e.RetryCount+1 >= e.MaxRetries
}
