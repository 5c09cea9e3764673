package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// Publisher publishes messages to a work queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer consumes messages from a work queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// RequestsQueue carries notification requests: API submissions, digests and requeued deferrals.
	RequestsQueue = "dispatch.requests"
	// InboundQueue carries provider and engagement events for async application.
	InboundQueue = "dispatch.inbound"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 4
)

var workQueues = []string{RequestsQueue, InboundQueue}

// DLQName returns the dead-letter queue for a work queue, e.g. dlq.dispatch.requests.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

func WorkQueueNames() []string {
	return append([]string(nil), workQueues...)
}

func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, q := range workQueues {
		queues = append(queues, DLQName(q))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityCritical:
		return 4
	case domain.PriorityHigh:
		return 3
	case domain.PriorityMedium:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
