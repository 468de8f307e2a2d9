package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultPublisher_PublishResult(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestChannel(d)
	p := NewResultPublisher(c)

	ev, err := payment.NewResultEvent(payment.CallbackTransaction{
		ID:         "txn-9",
		StatusCode: payment.StatusFailed,
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, p.PublishResult(context.Background(), ev))

	msgs := d.last().publishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "payment.failure", msgs[0].key)
	assert.Equal(t, ev.MessageID, msgs[0].msg.MessageId)
	assert.Equal(t, uint8(2), msgs[0].msg.Priority)
	assert.Equal(t, "payment-failure", msgs[0].msg.Headers["x-transaction-type"])

	var decoded payment.ResultEvent
	require.NoError(t, json.Unmarshal(msgs[0].msg.Body, &decoded))
	assert.Equal(t, payment.ResultFailed, decoded.Status)
	assert.Equal(t, "txn-9", decoded.Transaction.ID)
}
