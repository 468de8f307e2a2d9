package rabbitmq

import (
	"context"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
)

// ResultPublisher publishes payment result events on a Channel.
type ResultPublisher struct {
	ch *Channel
}

func NewResultPublisher(ch *Channel) *ResultPublisher {
	return &ResultPublisher{ch: ch}
}

// PublishResult sends ev under its routing key, keeping its message id so
// subscribers can deduplicate relayed copies.
func (p *ResultPublisher) PublishResult(ctx context.Context, ev *payment.ResultEvent) error {
	return p.ch.Publish(ctx, string(ev.RoutingKey), ev,
		WithMessageID(ev.MessageID),
		WithHeader("x-transaction-type", ev.TransactionType()),
		WithPriority(ev.Priority()),
	)
}
