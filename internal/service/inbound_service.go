package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
)

type ConsentWriter interface {
	Upsert(ctx context.Context, rec *domain.ConsentRecord) error
}

// TargetCanceler is satisfied by *batch.Aggregator.
type TargetCanceler interface {
	CancelTarget(ctx context.Context, recipientID, targetID string) int
}

// InboundService applies provider and user events after the fact.
type InboundService struct {
	consents ConsentWriter
	outcomes OutcomeWriter
	canceler TargetCanceler
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

// InboundResult reports what an event changed.
type InboundResult struct {
	Type            domain.InboundEventType `json:"type"`
	ConsentUpdated  bool                    `json:"consentUpdated,omitempty"`
	OutcomeRecorded bool                    `json:"outcomeRecorded,omitempty"`
	BucketsCanceled int                     `json:"bucketsCanceled,omitempty"`
}

// NewInboundService wires the writers. canceler may be nil when batching is disabled.
func NewInboundService(consents ConsentWriter, outcomes OutcomeWriter, canceler TargetCanceler, logger *zap.Logger) (*InboundService, error) {
	if consents == nil {
		return nil, fmt.Errorf("consent writer is required")
	}
	if outcomes == nil {
		return nil, fmt.Errorf("outcome writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &InboundService{
		consents: consents,
		outcomes: outcomes,
		canceler: canceler,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// ApplyInboundEvent updates consent, appends a delivery outcome, or cancels
// pending batches depending on the event type.
func (s *InboundService) ApplyInboundEvent(ctx context.Context, ev domain.InboundEvent) (*InboundResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("eventType", string(ev.Type)))
	result := &InboundResult{Type: ev.Type}

	switch ev.Type {
	case domain.InboundOptedIn, domain.InboundOptedOut:
		status := domain.ConsentOptedIn
		if ev.Type == domain.InboundOptedOut {
			status = domain.ConsentOptedOut
		}
		rec := &domain.ConsentRecord{
			RecipientID: ev.RecipientID,
			Category:    ev.Category,
			Channel:     ev.Channel,
			Status:      status,
			UpdatedAt:   ev.OccurredAt.UTC(),
		}
		if err := s.consents.Upsert(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to update consent: %w", err)
		}
		result.ConsentUpdated = true
		logger.Info("consent updated from inbound event",
			zap.String("recipientId", ev.RecipientID),
			zap.String("channel", ev.Channel.String()),
			zap.String("category", ev.Category.String()),
		)

	case domain.InboundDelivered, domain.InboundBounced, domain.InboundFailed:
		out := domain.DeliveryOutcome{
			ID:                s.newID(),
			RequestID:         ev.RequestID,
			Channel:           ev.Channel,
			Status:            domain.OutcomeSent,
			ProviderMessageID: ev.ProviderMessageID,
			Timestamp:         ev.OccurredAt.UTC(),
		}
		if ev.Type != domain.InboundDelivered {
			out.Status = domain.OutcomeFailed
			out.Reason = string(ev.Type)
			out.Error = ev.Detail
		}
		if err := s.outcomes.Append(ctx, []domain.DeliveryOutcome{out}); err != nil {
			return nil, fmt.Errorf("failed to record delivery outcome: %w", err)
		}
		result.OutcomeRecorded = true
		logger.Debug("delivery outcome recorded from inbound event", zap.String("requestId", ev.RequestID))

	case domain.InboundOpened:
		if s.canceler != nil {
			result.BucketsCanceled = s.canceler.CancelTarget(ctx, ev.RecipientID, ev.TargetID)
		}
		logger.Debug("engagement applied",
			zap.String("recipientId", ev.RecipientID),
			zap.String("targetId", ev.TargetID),
			zap.Int("canceled", result.BucketsCanceled),
		)
	}

	return result, nil
}
