package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

// settlement is what happens to a delivery once the handler returns.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// settle decides the fate of a delivery. A failure is retried once through
// the broker; a redelivered failure goes to the dead-letter queue.
func settle(handlerErr error, redelivered bool) settlement {
	switch {
	case handlerErr == nil:
		return settleAck
	case redelivered:
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

// decodeDelivery parses a delivery body. An error means the payload can never
// be handled and should be dead-lettered without retry.
func decodeDelivery(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume delivers messages from queue to handler until ctx ends, reopening
// the channel with backoff whenever the broker drops it.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consumer disconnected, retrying", zap.String("queue", queue), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.openChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("channel closed: %w", amqpErr)
			}
			return fmt.Errorf("channel closed")
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, queue, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler MessageHandler) error {
	logger := c.logger.With(
		zap.String("queue", queue),
		zap.String("messageId", d.MessageId),
		zap.String("correlationId", d.CorrelationId),
	)

	msg, err := decodeDelivery(d.Body)
	if err != nil {
		logger.Warn("dead-lettering undecodable message", zap.String("type", d.Type), zap.Error(err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
		return nil
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}

	handlerErr := handler(ctx, msg)
	outcome := settle(handlerErr, d.Redelivered)
	if handlerErr != nil {
		logger.Warn("message handler failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("settlement", outcome.String()),
			zap.Error(handlerErr),
		)
	}

	switch outcome {
	case settleAck:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	default:
		if err := d.Nack(false, outcome == settleRequeue); err != nil {
			return fmt.Errorf("handler failed and nack failed: %w", err)
		}
	}

	return nil
}

// Close closes the shared connection.
func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
