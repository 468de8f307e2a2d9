package payment

import (
	"context"
	"encoding/json"

	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ResultPublisher delivers a payment result event to subscribers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, ev *payment.ResultEvent) error
}

// OutboxWriter stores events that could not be delivered right away.
type OutboxWriter interface {
	Insert(ctx context.Context, entry *outbox.Entry) error
}

// ProviderClient performs an authenticated provider API call and returns the
// provider's JSON body.
type ProviderClient interface {
	Do(ctx context.Context, req airtel.Request) (json.RawMessage, error)
}
