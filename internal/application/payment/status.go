package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/rs/zerolog"
)

// GetTransactionStatusUseCase queries the provider for a transaction's status.
type GetTransactionStatusUseCase struct {
	client ProviderClient
	logger zerolog.Logger
}

func NewGetTransactionStatusUseCase(client ProviderClient, logger zerolog.Logger) *GetTransactionStatusUseCase {
	return &GetTransactionStatusUseCase{client: client, logger: logger}
}

func (uc *GetTransactionStatusUseCase) Execute(ctx context.Context, transactionID string, j Jurisdiction) (json.RawMessage, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, domainErrors.NewValidationError("transactionId", "is required")
	}
	if err := j.validate(); err != nil {
		return nil, err
	}

	res, err := uc.client.Do(ctx, airtel.Request{
		Operation: "transaction_status",
		Method:    http.MethodGet,
		Path:      "standard/v1/payments/" + url.PathEscape(transactionID),
		Country:   j.Country,
		Currency:  j.Currency,
		Headers:   map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		uc.logger.Error().Err(err).Str("transaction_id", transactionID).Msg("Failed to retrieve transaction status")
		return nil, err
	}

	uc.logger.Info().Str("transaction_id", transactionID).Msg("Transaction status retrieved")
	return res, nil
}
