// Package rabbitmq is the delivery channel for payment result events: a topic
// exchange with a dead-letter exchange behind the consumer queue.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// AMQPChannel is the part of *amqp.Channel the delivery channel uses.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the part of *amqp.Connection the delivery channel uses.
type Connection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Dialer func(url string) (Connection, error)

// DialAMQP opens a broker connection with amqp091-go.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type Options struct {
	URL               string
	Exchange          string
	Queue             string
	MessageTTL        time.Duration
	PublisherConfirms bool
	ConfirmTimeout    time.Duration
	ConsumerTag       string
}

func OptionsFromConfig(cfg config.RabbitMQConfig) Options {
	return Options{
		URL:               cfg.URL,
		Exchange:          cfg.Exchange,
		Queue:             cfg.Queue,
		MessageTTL:        cfg.MessageTTL,
		PublisherConfirms: cfg.PublisherConfirms,
		ConfirmTimeout:    cfg.ConfirmTimeout,
		ConsumerTag:       cfg.ConsumerTag,
	}
}

// Channel owns one broker connection and channel. Connecting and publishing
// are serialized; the state flips back to disconnected when the broker
// closes either.
type Channel struct {
	opts    Options
	dial    Dialer
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	state      atomic.Int32
	conn       Connection
	ch         AMQPChannel
	generation uint64
}

func NewChannel(opts Options, dial Dialer, logger zerolog.Logger, metrics *observability.Metrics) *Channel {
	if dial == nil {
		dial = DialAMQP
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = 24 * time.Hour
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Second
	}
	return &Channel{
		opts:    opts,
		dial:    dial,
		logger:  observability.Component(logger, "rabbitmq"),
		metrics: metrics,
	}
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

// Connect dials the broker and declares the topology, replacing any existing
// connection.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// EnsureReady connects unless the channel is already ready.
func (c *Channel) EnsureReady(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateReady {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Channel) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domainErrors.ErrDeliveryFailure, err)
	}

	c.closeLocked()
	c.setState(StateConnecting)

	conn, err := c.dial(c.opts.URL)
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Error().Err(err).Msg("Failed to connect to RabbitMQ")
		return fmt.Errorf("%w: dial broker: %w", domainErrors.ErrDeliveryFailure, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: open channel: %w", domainErrors.ErrDeliveryFailure, err)
	}

	if err := declareTopology(ch, c.opts); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		c.setState(StateDisconnected)
		c.logger.Error().Err(err).Msg("Failed to declare RabbitMQ topology")
		return fmt.Errorf("%w: %w", domainErrors.ErrDeliveryFailure, err)
	}

	if c.opts.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: enable publisher confirms: %w", domainErrors.ErrDeliveryFailure, err)
		}
	}

	c.generation++
	c.conn = conn
	c.ch = ch
	go c.watch(c.generation,
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
	)

	c.setState(StateReady)
	c.logger.Info().
		Str("exchange", c.opts.Exchange).
		Str("queue", c.opts.Queue).
		Bool("publisher_confirms", c.opts.PublisherConfirms).
		Msg("RabbitMQ connection established")
	return nil
}

// watch resets the state when the broker closes the connection or channel
// that belongs to generation gen.
func (c *Channel) watch(gen uint64, connClosed, chClosed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.closeLocked()
	if reason != nil {
		c.logger.Warn().Str("reason", reason.Reason).Int("code", reason.Code).Msg("RabbitMQ connection lost")
	}
}

// closeLocked must be called with mu held.
func (c *Channel) closeLocked() {
	c.generation++
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

// markBroken drops the channel if it is still the one that failed.
func (c *Channel) markBroken(ch AMQPChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == ch {
		c.closeLocked()
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}
