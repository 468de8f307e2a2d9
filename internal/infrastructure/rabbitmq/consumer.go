package rabbitmq

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message is one delivery handed to a Handler.
type Message struct {
	RoutingKey  string
	MessageID   string
	Body        []byte
	Headers     map[string]any
	Timestamp   time.Time
	Redelivered bool
}

// Handler processes a delivery. A nil return acknowledges it; an error or a
// panic rejects it without requeue so the broker dead-letters it.
type Handler func(ctx context.Context, msg Message) error

// Consume delivers queue messages to handler one at a time until ctx is done
// (returns nil) or the broker closes the delivery stream (ErrDeliveryFailure).
// On ctx done the consumer is cancelled at the broker, so unacked prefetched
// deliveries go back to the queue and a later Consume starts clean.
func (c *Channel) Consume(ctx context.Context, handler Handler) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: channel not ready", domainErrors.ErrDeliveryFailure)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		c.markBroken(ch)
		return fmt.Errorf("%w: set prefetch: %w", domainErrors.ErrDeliveryFailure, err)
	}

	tag := c.opts.ConsumerTag
	if tag == "" {
		tag = "mobilemoney-" + uuid.NewString()
	}
	deliveries, err := ch.Consume(c.opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		c.markBroken(ch)
		return fmt.Errorf("%w: start consumer: %w", domainErrors.ErrDeliveryFailure, err)
	}

	log := c.logger.With().Str("queue", c.opts.Queue).Str("consumer_tag", tag).Logger()
	log.Info().Msg("Consuming payment results")

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				log.Warn().Err(err).Msg("Failed to cancel consumer")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.markBroken(ch)
				return fmt.Errorf("%w: delivery stream closed", domainErrors.ErrDeliveryFailure)
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	ctx, span := tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.message.id", d.MessageId),
		attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
	)

	log := c.logger.With().
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Logger()

	err := safeHandle(ctx, handler, Message{
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Headers:     d.Headers,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		log.Error().Err(err).Msg("Rejecting message, it will be dead-lettered")
		if nerr := d.Nack(false, false); nerr != nil {
			log.Error().Err(nerr).Msg("Failed to nack message")
		}
		return
	}

	if aerr := d.Ack(false); aerr != nil {
		log.Error().Err(aerr).Msg("Failed to ack message")
	}
}

func safeHandle(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, msg)
}
