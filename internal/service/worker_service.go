package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
)

const minWorkerConcurrency = 1

// InboundApplier is satisfied by *InboundService.
type InboundApplier interface {
	ApplyInboundEvent(ctx context.Context, ev domain.InboundEvent) (*InboundResult, error)
}

// WorkerService drains the work queues into the orchestrator and the
// inbound event applier.
type WorkerService struct {
	consumer    queue.Consumer
	dispatcher  RequestDispatcher
	inbound     InboundApplier
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	dispatcher RequestDispatcher,
	inbound InboundApplier,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if inbound == nil {
		return nil, fmt.Errorf("inbound applier is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		dispatcher:  dispatcher,
		inbound:     inbound,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the work queues until context cancellation. Workers are
// spread across queues round-robin, with at least one per queue.
func (s *WorkerService) Start(ctx context.Context) error {
	queueNames := queue.WorkQueueNames()
	workers := max(s.concurrency, len(queueNames))

	g, groupCtx := errgroup.WithContext(ctx)
	for i := range workers {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// processMessage returns nil for anything that must not be redelivered:
// success, caller errors and keys already being handled elsewhere.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.Message) error {
	s.metrics.IncWorkerInFlight()
	defer s.metrics.DecWorkerInFlight()

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	switch msg.Kind {
	case queue.KindRequest:
		ctx = observability.WithRequestID(ctx, msg.Request.ID)
		_, err := s.dispatcher.Dispatch(ctx, *msg.Request)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrValidation):
			logger.Warn("dropping invalid request", zap.String("requestId", msg.Request.ID), zap.Error(err))
			return nil
		case errors.Is(err, domain.ErrConflict):
			logger.Info("request already in flight, dropping duplicate", zap.String("requestId", msg.Request.ID))
			return nil
		}
		return fmt.Errorf("dispatch request %s: %w", msg.Request.ID, err)

	case queue.KindInboundEvent:
		_, err := s.inbound.ApplyInboundEvent(ctx, *msg.Event)
		if errors.Is(err, domain.ErrValidation) {
			logger.Warn("dropping invalid inbound event", zap.String("type", string(msg.Event.Type)), zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply inbound event %s: %w", msg.Event.Type, err)
		}
		return nil
	}

	logger.Warn("dropping message of unknown kind", zap.String("kind", string(msg.Kind)))
	return nil
}
