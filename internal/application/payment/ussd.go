package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/rs/zerolog"
)

// USSDPaymentRequest is forwarded to the provider as is.
type USSDPaymentRequest struct {
	Reference   string          `json:"reference"`
	Subscriber  USSDSubscriber  `json:"subscriber"`
	Transaction USSDTransaction `json:"transaction"`
}

type USSDSubscriber struct {
	Country  string `json:"country"`
	Currency string `json:"currency,omitempty"`
	MSISDN   string `json:"msisdn"`
}

type USSDTransaction struct {
	Amount   float64 `json:"amount"`
	ID       string  `json:"id"`
	Country  string  `json:"country,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// Jurisdiction selects the provider market for a call.
type Jurisdiction struct {
	Country  string
	Currency string
}

func (j Jurisdiction) validate() error {
	if strings.TrimSpace(j.Country) == "" {
		return domainErrors.NewValidationError("X-Country", "header is required")
	}
	if strings.TrimSpace(j.Currency) == "" {
		return domainErrors.NewValidationError("X-Currency", "header is required")
	}
	return nil
}

// InitiateUSSDPaymentUseCase asks the provider to push a USSD payment prompt
// to the subscriber.
type InitiateUSSDPaymentUseCase struct {
	client ProviderClient
	logger zerolog.Logger
}

func NewInitiateUSSDPaymentUseCase(client ProviderClient, logger zerolog.Logger) *InitiateUSSDPaymentUseCase {
	return &InitiateUSSDPaymentUseCase{client: client, logger: logger}
}

// Execute sends a signed payment request and returns the provider response.
func (uc *InitiateUSSDPaymentUseCase) Execute(ctx context.Context, req USSDPaymentRequest, j Jurisdiction) (json.RawMessage, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}

	res, err := uc.client.Do(ctx, airtel.Request{
		Operation: "ussd_payment",
		Method:    http.MethodPost,
		Path:      "merchant/v2/payments/",
		Body:      req,
		Country:   j.Country,
		Currency:  j.Currency,
		Sign:      true,
		Headers:   map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		uc.logger.Error().Err(err).Str("reference", req.Reference).Msg("USSD payment initiation failed")
		return nil, err
	}

	uc.logger.Info().Str("reference", req.Reference).Str("transaction_id", req.Transaction.ID).Msg("USSD payment initiated")
	return res, nil
}
