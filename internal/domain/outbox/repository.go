package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores result events awaiting relay to the broker.
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error

	// GetPending returns up to limit pending entries whose NextAttemptAt has
	// passed, oldest first. Inside a transaction the rows stay claimed until
	// it ends.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed records reason and schedules the next attempt after
	// RetryDelay. The entry becomes StatusFailed once MaxRetries is reached.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}
