package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
)

const (
	defaultDeferredScanInterval = 30 * time.Second
	defaultDeferredScanLimit    = 100
)

// DeferredStore is the slice of repository.RequestRepository the scanner needs.
type DeferredStore interface {
	GetDueDeferred(ctx context.Context, now time.Time, limit int) ([]domain.RequestRecord, error)
	MarkRequeued(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, rec *domain.RequestRecord) error
}

// DeferredScanner periodically re-publishes deferred requests whose
// retry-not-before time has passed.
type DeferredScanner struct {
	requests  DeferredStore
	publisher queue.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewDeferredScanner(
	requests DeferredStore,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*DeferredScanner, error) {
	if requests == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultDeferredScanInterval
	}
	if limit <= 0 {
		limit = defaultDeferredScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeferredScanner{
		requests:  requests,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *DeferredScanner) Start(ctx context.Context) error {
	// Run an initial scan so requests that came due while down do not wait a full tick.
	if _, err := s.ScanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("deferred scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ScanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("deferred scanner scan failed", zap.Error(err))
			}
		}
	}
}

// ScanDue claims and re-publishes due requests, returning how many were published.
func (s *DeferredScanner) ScanDue(ctx context.Context) (int, error) {
	due, err := s.requests.GetDueDeferred(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due deferred requests: %w", err)
	}

	published := 0
	for i := range due {
		rec := due[i]

		claimed, err := s.requests.MarkRequeued(ctx, rec.Request.ID)
		if err != nil {
			s.logger.Error("failed to claim deferred request",
				zap.String("requestId", rec.Request.ID),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			continue
		}

		msg := queue.NewRequestMessage(rec.Request, queue.SourceRequeue)
		if err := s.publisher.Publish(ctx, queue.RequestsQueue, msg); err != nil {
			s.logger.Error("failed to requeue deferred request",
				zap.String("requestId", rec.Request.ID),
				zap.Error(err),
			)
			// Hand it back to the next scan.
			if restoreErr := s.requests.Upsert(ctx, &rec); restoreErr != nil {
				s.logger.Error("failed to restore deferred request after publish error",
					zap.String("requestId", rec.Request.ID),
					zap.Error(restoreErr),
				)
			}
			continue
		}

		published++
		s.metrics.IncDeferredRequeued()
		s.logger.Info("deferred request requeued",
			zap.String("requestId", rec.Request.ID),
			zap.String("deferReason", string(rec.DeferReason)),
		)
	}

	return published, nil
}
