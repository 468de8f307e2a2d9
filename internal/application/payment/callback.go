package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// CallbackRequest is the body the provider posts to the callback endpoint.
// Transaction is kept raw so the hash is computed over what was received.
type CallbackRequest struct {
	Transaction json.RawMessage `json:"transaction"`
	Hash        string          `json:"hash,omitempty"`
}

// CallbackOutcome says what happened to an accepted callback.
type CallbackOutcome string

const (
	OutcomePublished    CallbackOutcome = "published"
	OutcomeQueued       CallbackOutcome = "queued"
	OutcomeDuplicate    CallbackOutcome = "duplicate"
	OutcomeUnrecognized CallbackOutcome = "unrecognized"
)

// CallbackResult is returned for every accepted callback.
type CallbackResult struct {
	Status        string
	Outcome       CallbackOutcome
	TransactionID string
	MessageID     string
}

// CallbackAuth configures hash verification of incoming callbacks.
type CallbackAuth struct {
	Enabled bool
	Secret  string
}

// ProcessCallbackUseCase authenticates provider callbacks and turns settled
// transactions into payment result events.
type ProcessCallbackUseCase struct {
	auth      CallbackAuth
	callbacks payment.CallbackRepository
	publisher ResultPublisher
	outbox    OutboxWriter
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewProcessCallbackUseCase creates a new ProcessCallbackUseCase. callbacks may
// be nil, in which case callbacks are not recorded or deduplicated.
func NewProcessCallbackUseCase(
	auth CallbackAuth,
	callbacks payment.CallbackRepository,
	publisher ResultPublisher,
	outboxWriter OutboxWriter,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProcessCallbackUseCase {
	return &ProcessCallbackUseCase{
		auth:      auth,
		callbacks: callbacks,
		publisher: publisher,
		outbox:    outboxWriter,
		now:       time.Now,
		logger:    observability.Component(logger, "callback"),
		metrics:   metrics,
	}
}

// Execute validates, authenticates and classifies one callback.
func (uc *ProcessCallbackUseCase) Execute(ctx context.Context, req CallbackRequest, contentType string) (*CallbackResult, error) {
	// 1. Only JSON bodies are accepted.
	if !isJSON(contentType) {
		uc.count("rejected")
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrInvalidContentType, contentType)
	}

	// 2. Verify the hash when callback authentication is on.
	if err := uc.authenticate(req); err != nil {
		uc.count("rejected")
		return nil, err
	}

	// 3. Decode the transaction.
	txn, err := decodeTransaction(req.Transaction)
	if err != nil {
		uc.count("rejected")
		return nil, err
	}
	log := uc.logger.With().
		Str("transaction_id", txn.ID).
		Str("status_code", string(txn.StatusCode)).
		Logger()
	log.Info().Msg("Received callback")

	// 4. Record it once per transaction and status.
	if uc.callbacks != nil {
		inserted, err := uc.callbacks.Record(ctx, &payment.CallbackRecord{
			TransactionID: txn.ID,
			StatusCode:    txn.StatusCode,
			AirtelMoneyID: txn.AirtelMoneyID,
			Message:       txn.Message,
			Payload:       req.Transaction,
			ReceivedAt:    uc.now().UTC(),
		})
		switch {
		case err != nil:
			log.Error().Err(err).Msg("Could not record callback, continuing without deduplication")
		case !inserted && uc.delivered(ctx, txn, log):
			log.Info().Msg("Duplicate callback ignored")
			uc.count(string(OutcomeDuplicate))
			return &CallbackResult{Status: "OK", Outcome: OutcomeDuplicate, TransactionID: txn.ID}, nil
		case !inserted:
			log.Info().Msg("Callback seen before but never delivered, processing again")
		}
	}

	// 5. Classify. Only TS and TF produce an event.
	ev, err := payment.NewResultEvent(txn, uc.now())
	if err != nil {
		if errors.Is(err, domainErrors.ErrUnknownTransactionStatus) {
			log.Warn().Msg("Unknown status code, nothing published")
			uc.count(string(OutcomeUnrecognized))
			return &CallbackResult{Status: "OK", Outcome: OutcomeUnrecognized, TransactionID: txn.ID}, nil
		}
		return nil, err
	}

	// 6. Publish, falling back to the outbox when the broker is unavailable.
	outcome, err := uc.deliver(ctx, ev, log)
	if err != nil {
		uc.count("error")
		return nil, err
	}

	if uc.callbacks != nil {
		if err := uc.callbacks.AttachMessage(ctx, txn.ID, txn.StatusCode, ev.MessageID); err != nil {
			log.Error().Err(err).Str("message_id", ev.MessageID).Msg("Could not link message to callback")
		}
	}

	uc.count(string(outcome))
	return &CallbackResult{
		Status:        "OK",
		Outcome:       outcome,
		TransactionID: txn.ID,
		MessageID:     ev.MessageID,
	}, nil
}

// delivered reports whether a recorded callback already has a published or
// queued event attached. A failed lookup counts as not delivered, so the event
// may be sent twice but is never lost.
func (uc *ProcessCallbackUseCase) delivered(ctx context.Context, txn payment.CallbackTransaction, log zerolog.Logger) bool {
	records, err := uc.callbacks.GetByTransactionID(ctx, txn.ID)
	if err != nil {
		log.Error().Err(err).Msg("Could not load recorded callback, processing again")
		return false
	}
	for _, rec := range records {
		if rec.StatusCode == txn.StatusCode && rec.MessageID != nil {
			return true
		}
	}
	return false
}

func (uc *ProcessCallbackUseCase) deliver(ctx context.Context, ev *payment.ResultEvent, log zerolog.Logger) (CallbackOutcome, error) {
	err := uc.publisher.PublishResult(ctx, ev)
	if err == nil {
		log.Info().Str("routing_key", string(ev.RoutingKey)).Str("message_id", ev.MessageID).Msg("Payment result published")
		return OutcomePublished, nil
	}
	if !errors.Is(err, domainErrors.ErrDeliveryFailure) || uc.outbox == nil {
		return "", err
	}

	entry, eerr := outbox.NewEntry(ev)
	if eerr != nil {
		return "", fmt.Errorf("%w: %w", domainErrors.ErrDeliveryFailure, eerr)
	}
	if ierr := uc.outbox.Insert(ctx, entry); ierr != nil {
		log.Error().Err(ierr).Msg("Could not store undelivered payment result")
		return "", fmt.Errorf("%w: outbox write failed: %w", err, ierr)
	}

	log.Warn().Err(err).Str("outbox_id", entry.ID.String()).Msg("Broker unavailable, payment result queued in outbox")
	return OutcomeQueued, nil
}

func (uc *ProcessCallbackUseCase) authenticate(req CallbackRequest) error {
	if !uc.auth.Enabled || uc.auth.Secret == "" {
		return nil
	}
	if req.Hash == "" {
		return fmt.Errorf("%w: callback hash is missing", domainErrors.ErrUnauthorized)
	}

	expected, err := CallbackHash(uc.auth.Secret, req.Transaction)
	if err != nil {
		return fmt.Errorf("%w: %w", domainErrors.ErrUnauthorized, err)
	}
	if !hmac.Equal([]byte(expected), []byte(req.Hash)) {
		return fmt.Errorf("%w: invalid callback authentication", domainErrors.ErrUnauthorized)
	}
	return nil
}

func (uc *ProcessCallbackUseCase) count(outcome string) {
	if uc.metrics != nil {
		uc.metrics.CallbacksReceived.WithLabelValues(outcome).Inc()
	}
}

// CallbackHash returns the base64 HMAC-SHA256 of the compacted transaction JSON.
func CallbackHash(secret string, transaction json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, transaction); err != nil {
		return "", fmt.Errorf("compact transaction: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(buf.Bytes())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeTransaction(raw json.RawMessage) (payment.CallbackTransaction, error) {
	var txn payment.CallbackTransaction
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return txn, domainErrors.NewValidationError("transaction", "is required")
	}
	if err := json.Unmarshal(trimmed, &txn); err != nil {
		return txn, domainErrors.NewValidationError("transaction", "must be an object")
	}
	if txn.ID == "" {
		return txn, domainErrors.NewValidationError("transaction.id", "is required")
	}
	return txn, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
