package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     []declaredQueue
	bindings   []binding
	published  []published
	prefetch   int
	confirm    bool
	closed     bool
	publishErr error
	declareErr error
	deliveries chan amqp.Delivery
	notify     []chan *amqp.Error
	consumers  []string
	cancelled  []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  map[string]string{},
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirm = true
	return nil
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil, nil
}

func (f *fakeChannel) Consume(_ string, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers = append(f.consumers, consumer)
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) consumerTags() (started, cancelled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.consumers...), append([]string(nil), f.cancelled...)
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, n := range f.notify {
		close(n)
	}
	return nil
}

// brokerClose simulates the broker closing the channel.
func (f *fakeChannel) brokerClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notify {
		n <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	}
}

func (f *fakeChannel) publishedMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConnection struct {
	mu     sync.Mutex
	ch     *fakeChannel
	closed bool
	notify []chan *amqp.Error
}

func (f *fakeConnection) Channel() (AMQPChannel, error) { return f.ch, nil }

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, n := range f.notify {
		close(n)
	}
	return nil
}

// fakeDialer hands out a fresh channel per dial and records them.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
	prepare  func(*fakeChannel)
}

func (d *fakeDialer) dial(string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	if d.prepare != nil {
		d.prepare(ch)
	}
	d.channels = append(d.channels, ch)
	return &fakeConnection{ch: ch}, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

type ackRecord struct {
	tag      uint64
	acked    bool
	requeued bool
}

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
	settled chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.records = append(a.records, ackRecord{tag: tag, acked: true})
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.records = append(a.records, ackRecord{tag: tag, requeued: requeue})
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}

var errBroker = errors.New("broker unreachable")
