// Package paymentresult consumes the payment result events published for
// settled callbacks.
package paymentresult

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq"
	"github.com/rs/zerolog"
)

const seenKeyPrefix = "payment-result:seen:"

// SeenStore remembers which messages were already handled.
type SeenStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Handler processes payment.success and payment.failure deliveries.
type Handler struct {
	seen      SeenStore
	callbacks payment.CallbackRepository
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewHandler(
	seen SeenStore,
	callbacks payment.CallbackRepository,
	ttl time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		seen:      seen,
		callbacks: callbacks,
		ttl:       ttl,
		now:       time.Now,
		logger:    observability.Component(logger, "payment-result"),
		metrics:   metrics,
	}
}

// Handle returns an error only for deliveries that can never succeed, which
// the channel then dead-letters. Duplicates are acknowledged silently.
func (h *Handler) Handle(ctx context.Context, msg rabbitmq.Message) error {
	if !payment.ValidRoutingKey(msg.RoutingKey) {
		h.count(msg.RoutingKey, "rejected")
		return domainErrors.NewValidationError("routing_key", fmt.Sprintf("unexpected %q", msg.RoutingKey))
	}

	var ev payment.ResultEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		h.count(msg.RoutingKey, "rejected")
		return fmt.Errorf("%w: decode payment result: %w", domainErrors.ErrInvalidInput, err)
	}
	if ev.Transaction.ID == "" {
		h.count(msg.RoutingKey, "rejected")
		return domainErrors.NewValidationError("transaction.id", "is required")
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = ev.MessageID
	}
	log := h.logger.With().
		Str("routing_key", msg.RoutingKey).
		Str("message_id", messageID).
		Str("transaction_id", ev.Transaction.ID).
		Logger()

	if messageID != "" && h.seen != nil {
		first, err := h.seen.SetNX(ctx, seenKeyPrefix+messageID, ev.Transaction.ID, h.ttl)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Could not check for duplicate delivery, processing anyway")
		case !first:
			log.Info().Msg("Duplicate payment result skipped")
			h.count(msg.RoutingKey, "duplicate")
			return nil
		}
	}

	switch payment.RoutingKey(msg.RoutingKey) {
	case payment.RoutingSuccess:
		log.Info().Str("airtel_money_id", ev.Transaction.AirtelMoneyID).Msg("Successful payment")
	case payment.RoutingFailure:
		log.Info().Str("reason", ev.Transaction.Message).Msg("Failed payment")
	}

	if h.callbacks != nil && messageID != "" {
		if err := h.callbacks.MarkConsumed(ctx, messageID, h.now().UTC()); err != nil {
			log.Error().Err(err).Msg("Could not mark callback consumed")
		}
	}

	h.count(msg.RoutingKey, "processed")
	return nil
}

func (h *Handler) count(routingKey, outcome string) {
	if h.metrics != nil {
		h.metrics.MessagesConsumed.WithLabelValues(routingKey, outcome).Inc()
	}
}
