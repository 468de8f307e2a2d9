package controller

import (
	"encoding/json"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
)

// --- Request DTOs ---

// USSDPaymentRequest is the body of POST /api/v1/payments/ussd.
type USSDPaymentRequest struct {
	Reference  string `json:"reference" validate:"required,max=64"`
	Subscriber struct {
		Country  string `json:"country" validate:"required,len=2,alpha"`
		Currency string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
		MSISDN   string `json:"msisdn" validate:"required,numeric,min=6,max=15"`
	} `json:"subscriber"`
	Transaction struct {
		Amount   float64 `json:"amount" validate:"required,gt=0"`
		ID       string  `json:"id" validate:"required,max=64"`
		Country  string  `json:"country,omitempty" validate:"omitempty,len=2,alpha"`
		Currency string  `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	} `json:"transaction"`
}

func (r USSDPaymentRequest) toUseCase() paymentApp.USSDPaymentRequest {
	return paymentApp.USSDPaymentRequest{
		Reference: r.Reference,
		Subscriber: paymentApp.USSDSubscriber{
			Country:  r.Subscriber.Country,
			Currency: r.Subscriber.Currency,
			MSISDN:   r.Subscriber.MSISDN,
		},
		Transaction: paymentApp.USSDTransaction{
			Amount:   r.Transaction.Amount,
			ID:       r.Transaction.ID,
			Country:  r.Transaction.Country,
			Currency: r.Transaction.Currency,
		},
	}
}

// --- Response DTOs ---

// CallbackResponse acknowledges an accepted callback.
type CallbackResponse struct {
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse represents an error response. Details carries the provider's
// own body when the provider rejected the call.
type ErrorResponse struct {
	Error          string          `json:"error"`
	Code           string          `json:"code"`
	ProviderStatus int             `json:"provider_status,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
}
