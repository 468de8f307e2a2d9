package testutil

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
)

func NewCallbackTransaction(id string, code payment.StatusCode) payment.CallbackTransaction {
	return payment.CallbackTransaction{
		ID:            id,
		Message:       "Paid UGX 5,000 to TECHNOLOGIES LIMITED Charge UGX 140",
		StatusCode:    code,
		AirtelMoneyID: "MP210603.1234.L06941",
	}
}

// RawTransaction marshals txn the way the provider sends it.
func RawTransaction(txn payment.CallbackTransaction) json.RawMessage {
	b, err := json.Marshal(txn)
	if err != nil {
		panic(err)
	}
	return b
}

func NewTestResultEvent(id string, code payment.StatusCode) *payment.ResultEvent {
	ev, err := payment.NewResultEvent(NewCallbackTransaction(id, code), time.Now())
	if err != nil {
		panic(err)
	}
	return ev
}
