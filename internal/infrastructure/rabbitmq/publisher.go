package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq")

type PublishOption func(*amqp.Publishing)

// WithMessageID overrides the generated message id.
func WithMessageID(id string) PublishOption {
	return func(p *amqp.Publishing) {
		if id != "" {
			p.MessageId = id
		}
	}
}

func WithHeader(key string, value any) PublishOption {
	return func(p *amqp.Publishing) {
		p.Headers[key] = value
	}
}

func WithPriority(priority uint8) PublishOption {
	return func(p *amqp.Publishing) {
		p.Priority = priority
	}
}

// Publish sends message as persistent JSON to the result exchange.
func (c *Channel) Publish(ctx context.Context, routingKey string, message any, opts ...PublishOption) error {
	ctx, span := tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", c.opts.Exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	)

	err := c.publish(ctx, routingKey, message, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		c.count(routingKey, "failure")
		c.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish message")
		return err
	}
	c.count(routingKey, "success")
	return nil
}

func (c *Channel) publish(ctx context.Context, routingKey string, message any, opts []PublishOption) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%w: encode message: %w", domainErrors.ErrDeliveryFailure, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    payment.NewMessageID(),
		Headers:      amqp.Table{},
		Body:         body,
	}
	for _, opt := range opts {
		opt(&pub)
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(pub.Headers))

	if err := c.EnsureReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel not ready", domainErrors.ErrDeliveryFailure)
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.opts.Exchange, routingKey, false, false, pub)
	c.mu.Unlock()
	if err != nil {
		c.markBroken(ch)
		return fmt.Errorf("%w: %w", domainErrors.ErrDeliveryFailure, err)
	}

	if !c.opts.PublisherConfirms || confirm == nil {
		c.logger.Debug().
			Str("routing_key", routingKey).
			Str("message_id", pub.MessageId).
			Msg("Published without broker confirmation")
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: waiting for broker confirmation: %w", domainErrors.ErrDeliveryFailure, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked message %s", domainErrors.ErrDeliveryFailure, pub.MessageId)
	}

	c.logger.Info().
		Str("routing_key", routingKey).
		Str("message_id", pub.MessageId).
		Msg("Published payment result")
	return nil
}

func (c *Channel) count(routingKey, result string) {
	if c.metrics != nil {
		c.metrics.EventsPublished.WithLabelValues(routingKey, result).Inc()
	}
}

// headerCarrier lets the otel propagator read and write AMQP headers.
type headerCarrier amqp.Table

func (h headerCarrier) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
