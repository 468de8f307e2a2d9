package rabbitmq

import (
	"fmt"

	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	amqp "github.com/rabbitmq/amqp091-go"
)

func deadLetterExchange(exchange string) string { return exchange + ".dlx" }

func deadLetterQueue(queue string) string { return queue + ".dead" }

// declareTopology declares the result exchange, the consumer queue bound to
// every payment routing key, and the dead-letter pair that keeps rejected
// messages.
func declareTopology(ch AMQPChannel, opts Options) error {
	dlx := deadLetterExchange(opts.Exchange)

	if err := ch.ExchangeDeclare(opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, amqp.Table{
		"x-message-ttl":          opts.MessageTTL.Milliseconds(),
		"x-dead-letter-exchange": dlx,
		"x-max-priority":         int32(payment.MaxPriority),
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", opts.Queue, err)
	}
	if err := ch.QueueBind(opts.Queue, payment.BindingPattern, opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", opts.Queue, err)
	}

	dead := deadLetterQueue(opts.Queue)
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dead, err)
	}
	return nil
}
