package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes persistent messages on a confirm-mode channel
// and returns only after the broker has acknowledged them. A digest or
// requeued request that the broker never took is reported as an error.
type RabbitMQPublisher struct {
	client *RabbitMQ

	mu  sync.Mutex
	ch  *amqp.Channel
	now func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg Message) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid queue message: %w", err)
	}

	publishing, err := p.publishing(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.confirmChannel(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirmation on %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %q on queue %q", msg.ID(), queue)
	}

	return nil
}

func (p *RabbitMQPublisher) publishing(msg Message) (amqp.Publishing, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.ID(),
		CorrelationId: msg.CorrelationID,
		Type:          string(msg.Kind),
		Priority:      PriorityValue(msg.Priority()),
		Body:          payload,
	}, nil
}

func (p *RabbitMQPublisher) confirmChannel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.client.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.ch = ch
	return ch, nil
}

func (p *RabbitMQPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close releases the publishing channel. The connection belongs to the
// RabbitMQ client.
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
