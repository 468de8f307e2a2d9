package controller

import (
	"encoding/json"
	"net/http"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/go-chi/chi/v5"
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	ussd     *paymentApp.InitiateUSSDPaymentUseCase
	status   *paymentApp.GetTransactionStatusUseCase
	callback *paymentApp.ProcessCallbackUseCase
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(
	ussd *paymentApp.InitiateUSSDPaymentUseCase,
	status *paymentApp.GetTransactionStatusUseCase,
	callback *paymentApp.ProcessCallbackUseCase,
) *PaymentController {
	return &PaymentController{
		ussd:     ussd,
		status:   status,
		callback: callback,
	}
}

func jurisdiction(r *http.Request) paymentApp.Jurisdiction {
	return paymentApp.Jurisdiction{
		Country:  r.Header.Get("X-Country"),
		Currency: r.Header.Get("X-Currency"),
	}
}

// InitiateUSSD handles POST /api/v1/payments/ussd
func (h *PaymentController) InitiateUSSD(w http.ResponseWriter, r *http.Request) {
	var req USSDPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	body, err := h.ussd.Execute(r.Context(), req.toUseCase(), jurisdiction(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// GetStatus handles GET /api/v1/payments/status/{transactionId}
func (h *PaymentController) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")

	body, err := h.status.Execute(r.Context(), id, jurisdiction(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// Callback handles POST /api/v1/payments/callback
func (h *PaymentController) Callback(w http.ResponseWriter, r *http.Request) {
	var req paymentApp.CallbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, domainErrors.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}

	res, err := h.callback.Execute(r.Context(), req, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CallbackResponse{
		Status:    res.Status,
		Outcome:   string(res.Outcome),
		MessageID: res.MessageID,
	})
}
