package payment

import (
	"context"
	"fmt"

	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// RelayResult summarizes one relay pass.
type RelayResult struct {
	Published int
	Failed    int
}

// RelayOutboxUseCase republishes payment results that were queued in the
// outbox while the broker was unavailable.
type RelayOutboxUseCase struct {
	outboxRepo outbox.Repository
	publisher  ResultPublisher
	txManager  TransactionManager
	batchSize  int
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

func NewRelayOutboxUseCase(
	outboxRepo outbox.Repository,
	publisher ResultPublisher,
	txManager TransactionManager,
	batchSize int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *RelayOutboxUseCase {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &RelayOutboxUseCase{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		txManager:  txManager,
		batchSize:  batchSize,
		logger:     observability.Component(logger, "outbox-relay"),
		metrics:    metrics,
	}
}

// Execute publishes one batch of pending entries. Pending rows are locked for
// the duration of the transaction so concurrent workers skip them.
func (uc *RelayOutboxUseCase) Execute(ctx context.Context) (*RelayResult, error) {
	result := &RelayResult{}

	err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := uc.outboxRepo.GetPending(txCtx, uc.batchSize)
		if err != nil {
			return fmt.Errorf("load pending outbox entries: %w", err)
		}

		for _, entry := range entries {
			log := uc.logger.With().
				Str("outbox_id", entry.ID.String()).
				Str("message_id", entry.MessageID).
				Logger()

			if perr := uc.relay(txCtx, entry); perr != nil {
				result.Failed++
				uc.count("failure")
				if entry.Exhausted() {
					log.Error().Err(perr).Int("retries", entry.RetryCount+1).Msg("Giving up on payment result")
				} else {
					log.Warn().Err(perr).
						Int("retries", entry.RetryCount+1).
						Dur("retry_in", outbox.RetryDelay(entry.RetryCount)).
						Msg("Failed to relay payment result")
				}
				if merr := uc.outboxRepo.MarkFailed(txCtx, entry.ID, perr.Error()); merr != nil {
					return fmt.Errorf("mark outbox entry %s failed: %w", entry.ID, merr)
				}
				continue
			}

			if err := uc.outboxRepo.MarkPublished(txCtx, entry.ID); err != nil {
				return fmt.Errorf("mark outbox entry %s published: %w", entry.ID, err)
			}
			result.Published++
			uc.count("success")
			log.Info().Msg("Relayed payment result")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (uc *RelayOutboxUseCase) relay(ctx context.Context, entry *outbox.Entry) error {
	ev, err := entry.Event()
	if err != nil {
		return err
	}
	return uc.publisher.PublishResult(ctx, ev)
}

func (uc *RelayOutboxUseCase) count(result string) {
	if uc.metrics != nil {
		uc.metrics.OutboxRelayed.WithLabelValues(result).Inc()
	}
}
