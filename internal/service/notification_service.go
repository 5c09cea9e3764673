package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

// RequestDispatcher is satisfied by *Orchestrator.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error)
}

// NotificationService is the API-facing entry point: synchronous dispatch,
// queued submission and the directory writes that feed consent and routing.
type NotificationService struct {
	dispatcher RequestDispatcher
	requests   repository.RequestRepository
	outcomes   repository.OutcomeRepository
	consents   ConsentWriter
	recipients repository.RecipientRepository
	canceler   TargetCanceler
	publisher  queue.Publisher
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// RequestView is a stored request with its recorded outcomes.
type RequestView struct {
	Record   *domain.RequestRecord
	Outcomes []domain.DeliveryOutcome
}

// NewNotificationService wires the API surface. publisher and canceler may
// be nil; Enqueue and Engage then report the feature as unavailable.
func NewNotificationService(
	dispatcher RequestDispatcher,
	requests repository.RequestRepository,
	outcomes repository.OutcomeRepository,
	consents ConsentWriter,
	recipients repository.RecipientRepository,
	canceler TargetCanceler,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*NotificationService, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if requests == nil || outcomes == nil {
		return nil, fmt.Errorf("request and outcome repositories are required")
	}
	if consents == nil || recipients == nil {
		return nil, fmt.Errorf("consent and recipient writers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		dispatcher: dispatcher,
		requests:   requests,
		outcomes:   outcomes,
		consents:   consents,
		recipients: recipients,
		canceler:   canceler,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Submit dispatches req synchronously and returns its terminal result.
func (s *NotificationService) Submit(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

// Enqueue validates req and hands it to the work queue. Caller errors are
// still rejected synchronously.
func (s *NotificationService) Enqueue(ctx context.Context, req domain.NotificationRequest) (*domain.RequestRecord, error) {
	if s.publisher == nil {
		return nil, fmt.Errorf("queued submission is not configured")
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = s.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now().UTC()
	}
	if req.RoutingMode == "" {
		req.RoutingMode = domain.RoutingSingle
	}
	if req.CorrelationID == "" {
		if id, ok := observability.CorrelationIDFromContext(ctx); ok {
			req.CorrelationID = id
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := &domain.RequestRecord{
		Request:   req,
		Status:    domain.StatusQueued,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.requests.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store request: %w", err)
	}

	if err := s.publisher.Publish(ctx, queue.RequestsQueue, queue.NewRequestMessage(req, queue.SourceAPI)); err != nil {
		s.logger.Error("failed to publish request",
			zap.String("requestId", req.ID),
			zap.Error(err),
		)
		rec.Status = domain.StatusFailed
		rec.UpdatedAt = s.now().UTC()
		if updateErr := s.requests.Upsert(ctx, rec); updateErr != nil {
			return nil, fmt.Errorf("failed to publish request: %w (failed to mark as failed: %v)", err, updateErr)
		}
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	return rec, nil
}

func (s *NotificationService) Get(ctx context.Context, id string) (*RequestView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}

	rec, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.outcomes.ListByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes: %w", err)
	}

	return &RequestView{Record: rec, Outcomes: outcomes}, nil
}

func (s *NotificationService) UpsertConsent(ctx context.Context, rec domain.ConsentRecord) (*domain.ConsentRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.UpdatedAt = s.now().UTC()
	if err := s.consents.Upsert(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *NotificationService) UpsertRecipient(ctx context.Context, recipient domain.Recipient) (*domain.Recipient, error) {
	recipient.ID = strings.TrimSpace(recipient.ID)
	recipient.Timezone = strings.TrimSpace(recipient.Timezone)
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	if err := s.recipients.Upsert(ctx, &recipient); err != nil {
		return nil, err
	}
	return &recipient, nil
}

func (s *NotificationService) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
	}
	return s.recipients.GetByID(ctx, id)
}

// Engage records that the recipient opened targetID and cancels any batch
// still waiting for it. It returns the number of canceled buckets.
func (s *NotificationService) Engage(ctx context.Context, recipientID, targetID string) (int, error) {
	recipientID = strings.TrimSpace(recipientID)
	targetID = strings.TrimSpace(targetID)
	if recipientID == "" || targetID == "" {
		return 0, fmt.Errorf("%w: recipientId and targetId are required", domain.ErrValidation)
	}
	if s.canceler == nil {
		return 0, nil
	}
	return s.canceler.CancelTarget(ctx, recipientID, targetID), nil
}
