package payment

import (
	"fmt"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/google/uuid"
)

// StatusCode is the transaction status reported by the provider.
type StatusCode string

const (
	StatusSuccess    StatusCode = "TS"
	StatusFailed     StatusCode = "TF"
	StatusAmbiguous  StatusCode = "TA"
	StatusInProgress StatusCode = "TIP"
	StatusExpired    StatusCode = "TE"
)

// IsFinal reports whether the provider will not change the status again.
func (s StatusCode) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}

// RoutingKey addresses a payment result on the topic exchange.
type RoutingKey string

const (
	RoutingSuccess RoutingKey = "payment.success"
	RoutingFailure RoutingKey = "payment.failure"

	// BindingPattern matches every payment result routing key.
	BindingPattern = "payment.#"
)

// ResultStatus is the settled outcome carried by a result event.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "SUCCESS"
	ResultFailed    ResultStatus = "FAILED"
)

// CallbackTransaction is the transaction record the provider posts to the callback endpoint.
type CallbackTransaction struct {
	ID            string     `json:"id"`
	Message       string     `json:"message"`
	StatusCode    StatusCode `json:"status_code"`
	AirtelMoneyID string     `json:"airtel_money_id"`
}

// ResultEvent is published once per classified callback.
type ResultEvent struct {
	RoutingKey  RoutingKey          `json:"routing_key"`
	Transaction CallbackTransaction `json:"transaction"`
	Status      ResultStatus        `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
	MessageID   string              `json:"message_id"`
}

// NewResultEvent classifies a callback transaction. Only TS and TF produce an event;
// every other status code returns ErrUnknownTransactionStatus.
func NewResultEvent(txn CallbackTransaction, now time.Time) (*ResultEvent, error) {
	event := &ResultEvent{
		Transaction: txn,
		Timestamp:   now.UTC(),
		MessageID:   NewMessageID(),
	}

	switch txn.StatusCode {
	case StatusSuccess:
		event.RoutingKey = RoutingSuccess
		event.Status = ResultSucceeded
	case StatusFailed:
		event.RoutingKey = RoutingFailure
		event.Status = ResultFailed
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownTransactionStatus, txn.StatusCode)
	}

	return event, nil
}

// TransactionType is the value of the x-transaction-type message header.
func (e *ResultEvent) TransactionType() string {
	if e.RoutingKey == RoutingFailure {
		return "payment-failure"
	}
	return "payment-success"
}

// MaxPriority is the highest priority a result event carries. The result
// queue is declared with it as x-max-priority.
const MaxPriority uint8 = 2

// Priority gives failures precedence over successes on the broker.
func (e *ResultEvent) Priority() uint8 {
	if e.RoutingKey == RoutingFailure {
		return MaxPriority
	}
	return 1
}

// NewMessageID returns a globally unique broker message id.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// ValidRoutingKey reports whether key is one of the published result keys.
func ValidRoutingKey(key string) bool {
	switch RoutingKey(key) {
	case RoutingSuccess, RoutingFailure:
		return true
	}
	return false
}
