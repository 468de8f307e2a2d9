package payment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	paymentApp "github.com/cassiomorais/mobilemoney/internal/application/payment"
	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(t *testing.T, repo *testutil.MockOutboxRepository, id string, code payment.StatusCode) *outbox.Entry {
	t.Helper()
	entry, err := outbox.NewEntry(testutil.NewTestResultEvent(id, code))
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), entry))
	return entry
}

func TestRelayOutbox_PublishesPending(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	publisher := &testutil.MockResultPublisher{}
	first := queued(t, repo, "txn-1", payment.StatusSuccess)
	queued(t, repo, "txn-2", payment.StatusFailed)

	uc := paymentApp.NewRelayOutboxUseCase(repo, publisher, testutil.NewMockTransactionManager(), 10, zerolog.Nop(), nil)
	res, err := uc.Execute(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Zero(t, res.Failed)

	events := publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, first.MessageID, events[0].MessageID, "relayed copy keeps the original message id")
	for _, e := range repo.Entries() {
		assert.Equal(t, outbox.StatusPublished, e.Status)
	}
}

func TestRelayOutbox_FailureIncrementsRetries(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	publisher := &testutil.MockResultPublisher{Err: fmt.Errorf("%w: still down", domainErrors.ErrDeliveryFailure)}
	entry := queued(t, repo, "txn-1", payment.StatusSuccess)
	entry.MaxRetries = 2

	uc := paymentApp.NewRelayOutboxUseCase(repo, publisher, testutil.NewMockTransactionManager(), 10, zerolog.Nop(), nil)

	res, err := uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "still down")

	res, err = uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed+res.Published, "entry is backing off")

	repo.Now = func() time.Time { return time.Now().Add(outbox.MaxRetryDelay) }
	_, err = uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, entry.Status)

	res, err = uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed+res.Published, "failed entries are not retried")
}

func TestRelayOutbox_RespectsBatchSize(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	publisher := &testutil.MockResultPublisher{}
	for i := 0; i < 3; i++ {
		queued(t, repo, fmt.Sprintf("txn-%d", i), payment.StatusSuccess)
	}

	uc := paymentApp.NewRelayOutboxUseCase(repo, publisher, testutil.NewMockTransactionManager(), 2, zerolog.Nop(), nil)
	res, err := uc.Execute(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
}

func TestRelayOutbox_LoadError(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	repo.GetPendingFunc = func(context.Context, int) ([]*outbox.Entry, error) { return nil, errors.New("db down") }

	uc := paymentApp.NewRelayOutboxUseCase(repo, &testutil.MockResultPublisher{}, testutil.NewMockTransactionManager(), 10, zerolog.Nop(), nil)
	_, err := uc.Execute(context.Background())

	assert.ErrorContains(t, err, "db down")
}
