package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/cassiomorais/mobilemoney/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callbackSecret = "callback-secret"

type callbackFixture struct {
	uc        *paymentApp.ProcessCallbackUseCase
	callbacks *testutil.MockCallbackRepository
	publisher *testutil.MockResultPublisher
	outbox    *testutil.MockOutboxRepository
	metrics   *observability.Metrics
}

func newCallbackFixture(auth paymentApp.CallbackAuth) *callbackFixture {
	f := &callbackFixture{
		callbacks: testutil.NewMockCallbackRepository(),
		publisher: &testutil.MockResultPublisher{},
		outbox:    testutil.NewMockOutboxRepository(),
		metrics:   observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	f.uc = paymentApp.NewProcessCallbackUseCase(auth, f.callbacks, f.publisher, f.outbox, zerolog.Nop(), f.metrics)
	return f
}

func callback(id string, code payment.StatusCode) paymentApp.CallbackRequest {
	return paymentApp.CallbackRequest{Transaction: testutil.RawTransaction(testutil.NewCallbackTransaction(id, code))}
}

func TestProcessCallback_SuccessPublishesOneEvent(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})

	res, err := f.uc.Execute(context.Background(), callback("txn-1", payment.StatusSuccess), "application/json")

	require.NoError(t, err)
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, paymentApp.OutcomePublished, res.Outcome)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, payment.RoutingSuccess, events[0].RoutingKey)
	assert.Equal(t, payment.ResultSucceeded, events[0].Status)
	assert.Equal(t, "txn-1", events[0].Transaction.ID)
	assert.Equal(t, res.MessageID, events[0].MessageID)

	records := f.callbacks.Records()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].MessageID)
	assert.Equal(t, res.MessageID, *records[0].MessageID)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CallbacksReceived.WithLabelValues("published")))
}

func TestProcessCallback_FailurePublishesFailureEvent(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})

	_, err := f.uc.Execute(context.Background(), callback("txn-2", payment.StatusFailed), "application/json; charset=utf-8")

	require.NoError(t, err)
	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, payment.RoutingFailure, events[0].RoutingKey)
	assert.Equal(t, payment.ResultFailed, events[0].Status)
}

func TestProcessCallback_UnknownStatusPublishesNothing(t *testing.T) {
	for _, code := range []payment.StatusCode{payment.StatusAmbiguous, payment.StatusInProgress, payment.StatusExpired, "XX"} {
		t.Run(string(code), func(t *testing.T) {
			f := newCallbackFixture(paymentApp.CallbackAuth{})

			res, err := f.uc.Execute(context.Background(), callback("txn-3", code), "application/json")

			require.NoError(t, err)
			assert.Equal(t, "OK", res.Status)
			assert.Equal(t, paymentApp.OutcomeUnrecognized, res.Outcome)
			assert.Empty(t, f.publisher.Events())
		})
	}
}

func TestProcessCallback_InvalidContentType(t *testing.T) {
	for _, ct := range []string{"", "text/plain", "application/xml", "application/json-patch+json"} {
		t.Run(ct, func(t *testing.T) {
			f := newCallbackFixture(paymentApp.CallbackAuth{})

			_, err := f.uc.Execute(context.Background(), callback("txn-1", payment.StatusSuccess), ct)

			assert.ErrorIs(t, err, domainErrors.ErrInvalidContentType)
			assert.Empty(t, f.publisher.Events())
		})
	}
}

func TestProcessCallback_Authentication(t *testing.T) {
	req := callback("txn-1", payment.StatusSuccess)
	validHash, err := paymentApp.CallbackHash(callbackSecret, req.Transaction)
	require.NoError(t, err)

	tests := []struct {
		name    string
		auth    paymentApp.CallbackAuth
		hash    string
		wantErr error
	}{
		{"auth disabled ignores hash", paymentApp.CallbackAuth{}, "garbage", nil},
		{"enabled without secret accepts", paymentApp.CallbackAuth{Enabled: true}, "", nil},
		{"valid hash", paymentApp.CallbackAuth{Enabled: true, Secret: callbackSecret}, validHash, nil},
		{"missing hash", paymentApp.CallbackAuth{Enabled: true, Secret: callbackSecret}, "", domainErrors.ErrUnauthorized},
		{"wrong hash", paymentApp.CallbackAuth{Enabled: true, Secret: callbackSecret}, "d3Jvbmc=", domainErrors.ErrUnauthorized},
		{"hash from other secret", paymentApp.CallbackAuth{Enabled: true, Secret: "rotated"}, validHash, domainErrors.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(tt.auth)
			r := req
			r.Hash = tt.hash

			_, err := f.uc.Execute(context.Background(), r, "application/json")

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.publisher.Events())
				return
			}
			assert.NoError(t, err)
			assert.Len(t, f.publisher.Events(), 1)
		})
	}
}

func TestCallbackHash_IgnoresWhitespace(t *testing.T) {
	compact := json.RawMessage(`{"id":"txn-1","status_code":"TS"}`)
	spaced := json.RawMessage("{\n  \"id\": \"txn-1\",\n  \"status_code\": \"TS\"\n}")

	a, err := paymentApp.CallbackHash(callbackSecret, compact)
	require.NoError(t, err)
	b, err := paymentApp.CallbackHash(callbackSecret, spaced)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestProcessCallback_DuplicateIsNotRepublished(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	ctx := context.Background()

	first, err := f.uc.Execute(ctx, callback("txn-1", payment.StatusSuccess), "application/json")
	require.NoError(t, err)
	second, err := f.uc.Execute(ctx, callback("txn-1", payment.StatusSuccess), "application/json")
	require.NoError(t, err)

	assert.Equal(t, paymentApp.OutcomePublished, first.Outcome)
	assert.Equal(t, paymentApp.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, "OK", second.Status)
	assert.Len(t, f.publisher.Events(), 1)
}

func TestProcessCallback_LedgerErrorStillPublishes(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	f.callbacks.RecordFunc = func(context.Context, *payment.CallbackRecord) (bool, error) {
		return false, errors.New("connection refused")
	}

	res, err := f.uc.Execute(context.Background(), callback("txn-1", payment.StatusSuccess), "application/json")

	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomePublished, res.Outcome)
	assert.Len(t, f.publisher.Events(), 1)
}

func TestProcessCallback_DeliveryFailureQueuesInOutbox(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	f.publisher.Err = fmt.Errorf("%w: channel closed", domainErrors.ErrDeliveryFailure)

	res, err := f.uc.Execute(context.Background(), callback("txn-1", payment.StatusFailed), "application/json")

	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeQueued, res.Outcome)

	entries := f.outbox.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatusPending, entries[0].Status)
	assert.Equal(t, payment.RoutingFailure, entries[0].RoutingKey)
	assert.Equal(t, res.MessageID, entries[0].MessageID)
}

func TestProcessCallback_OutboxFailurePropagates(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	f.publisher.Err = fmt.Errorf("%w: channel closed", domainErrors.ErrDeliveryFailure)
	f.outbox.InsertFunc = func(context.Context, *outbox.Entry) error { return errors.New("db down") }

	_, err := f.uc.Execute(context.Background(), callback("txn-1", payment.StatusSuccess), "application/json")

	assert.ErrorIs(t, err, domainErrors.ErrDeliveryFailure)
	assert.Contains(t, err.Error(), "db down")
}

func TestProcessCallback_RetryAfterFailedDeliveryPublishes(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	ctx := context.Background()
	f.publisher.Err = fmt.Errorf("%w: channel closed", domainErrors.ErrDeliveryFailure)
	f.outbox.InsertFunc = func(context.Context, *outbox.Entry) error { return errors.New("db down") }

	_, err := f.uc.Execute(ctx, callback("txn-9", payment.StatusSuccess), "application/json")
	require.Error(t, err)
	require.Len(t, f.callbacks.Records(), 1)

	f.publisher.Err = nil
	f.outbox.InsertFunc = nil
	res, err := f.uc.Execute(ctx, callback("txn-9", payment.StatusSuccess), "application/json")

	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomePublished, res.Outcome)
	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, payment.RoutingSuccess, events[0].RoutingKey)
	assert.Equal(t, "txn-9", events[0].Transaction.ID)

	again, err := f.uc.Execute(ctx, callback("txn-9", payment.StatusSuccess), "application/json")
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeDuplicate, again.Outcome)
	assert.Len(t, f.publisher.Events(), 1)
}

func TestProcessCallback_QueuedCallbackIsDuplicate(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	ctx := context.Background()
	f.publisher.Err = fmt.Errorf("%w: channel closed", domainErrors.ErrDeliveryFailure)

	first, err := f.uc.Execute(ctx, callback("txn-3", payment.StatusFailed), "application/json")
	require.NoError(t, err)
	second, err := f.uc.Execute(ctx, callback("txn-3", payment.StatusFailed), "application/json")
	require.NoError(t, err)

	assert.Equal(t, paymentApp.OutcomeQueued, first.Outcome)
	assert.Equal(t, paymentApp.OutcomeDuplicate, second.Outcome)
	assert.Len(t, f.outbox.Entries(), 1)
}

func TestProcessCallback_LedgerLookupErrorProcessesAgain(t *testing.T) {
	f := newCallbackFixture(paymentApp.CallbackAuth{})
	ctx := context.Background()

	_, err := f.uc.Execute(ctx, callback("txn-4", payment.StatusSuccess), "application/json")
	require.NoError(t, err)

	f.callbacks.GetByTransactionIDFunc = func(context.Context, string) ([]*payment.CallbackRecord, error) {
		return nil, errors.New("connection reset")
	}
	res, err := f.uc.Execute(ctx, callback("txn-4", payment.StatusSuccess), "application/json")

	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomePublished, res.Outcome)
	assert.Len(t, f.publisher.Events(), 2)
}

func TestProcessCallback_InvalidTransaction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing", ""},
		{"null", "null"},
		{"not an object", `"txn-1"`},
		{"missing id", `{"status_code":"TS"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(paymentApp.CallbackAuth{})

			_, err := f.uc.Execute(context.Background(), paymentApp.CallbackRequest{Transaction: json.RawMessage(tt.raw)}, "application/json")

			assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
			assert.Empty(t, f.publisher.Events())
		})
	}
}

func TestProcessCallback_WithoutLedger(t *testing.T) {
	publisher := &testutil.MockResultPublisher{}
	uc := paymentApp.NewProcessCallbackUseCase(paymentApp.CallbackAuth{}, nil, publisher, nil, zerolog.Nop(), nil)

	for i := 0; i < 2; i++ {
		_, err := uc.Execute(context.Background(), callback("txn-1", payment.StatusSuccess), "application/json")
		require.NoError(t, err)
	}
	assert.Len(t, publisher.Events(), 2)
}
