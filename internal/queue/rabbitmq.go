package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dlxExchangeName  = "dispatch.orchestrator.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
)

// queueSpec describes one work queue and where its rejects are routed.
type queueSpec struct {
	name       string
	deadLetter string
}

func topology() []queueSpec {
	specs := make([]queueSpec, 0, len(workQueues))
	for _, name := range workQueues {
		specs = append(specs, queueSpec{name: name, deadLetter: DLQName(name)})
	}
	return specs
}

func (q queueSpec) args() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": q.name,
		"x-max-priority":            queueMaxPriority,
	}
}

// RabbitMQ owns one reconnecting AMQP connection. The work queues and their
// dead-letter queues are declared once per connection.
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitMQ(ctx context.Context, url string, logger *zap.Logger) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RabbitMQ{url: url, logger: logger}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// openChannel returns a fresh channel on a live connection. A failure to
// open one is treated as a dead connection and retried once after
// reconnecting.
func (r *RabbitMQ) openChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err == nil {
		return ch, nil
	}

	r.discard(conn)
	conn, err = r.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err = conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
	}
	return ch, nil
}

// connection dials with capped exponential backoff until a connection is up
// and its topology declared, or ctx ends.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := reconnectBackoff
	for attempt := 1; ; attempt++ {
		conn, err := amqp.Dial(r.url)
		if err == nil {
			if err = declareOn(conn); err == nil {
				r.conn = conn
				r.logger.Info("rabbitmq connected", zap.Int("attempt", attempt))
				return conn, nil
			}
			_ = conn.Close()
		}

		r.logger.Warn("rabbitmq connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		wait = min(wait*2, maxBackoff)
	}
}

func (r *RabbitMQ) discard(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

func declareOn(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	return declareTopology(ch)
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, q := range topology() {
		if _, err := ch.QueueDeclare(q.deadLetter, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", q.deadLetter, err)
		}
		if err := ch.QueueBind(q.deadLetter, q.name, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", q.deadLetter, err)
		}
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args()); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.name, err)
		}
	}

	return nil
}
