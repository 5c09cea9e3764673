package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/batch"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/idempotency"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
)

// ChannelDispatcher is satisfied by *router.Router.
type ChannelDispatcher interface {
	Precheck(ctx context.Context, req *domain.NotificationRequest, recipient *domain.Recipient) ([]domain.Channel, []domain.DeliveryOutcome, error)
	Dispatch(ctx context.Context, req *domain.NotificationRequest, recipient *domain.Recipient, channels []domain.Channel) []domain.DeliveryOutcome
}

// Batcher is satisfied by *batch.Aggregator.
type Batcher interface {
	Batchable(eventType string, priority domain.Priority) bool
	Submit(ctx context.Context, ev domain.ActorEvent) (batch.SubmitResult, error)
}

type RecipientReader interface {
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
}

type RequestWriter interface {
	Upsert(ctx context.Context, rec *domain.RequestRecord) error
}

type OutcomeWriter interface {
	Append(ctx context.Context, outcomes []domain.DeliveryOutcome) error
}

type OrchestratorConfig struct {
	// CriticalEventTypes are promoted to critical priority on receipt.
	CriticalEventTypes []string
}

// Orchestrator runs one request through consent, batching, idempotency,
// routing and recording.
type Orchestrator struct {
	recipients RecipientReader
	requests   RequestWriter
	outcomes   OutcomeWriter
	router     ChannelDispatcher
	batcher    Batcher
	ledger     idempotency.Ledger
	critical   map[string]struct{}
	metrics    *observability.Metrics
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewOrchestrator(
	recipients RecipientReader,
	requests RequestWriter,
	outcomes OutcomeWriter,
	router ChannelDispatcher,
	ledger idempotency.Ledger,
	cfg OrchestratorConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if recipients == nil {
		return nil, fmt.Errorf("recipient reader is required")
	}
	if requests == nil {
		return nil, fmt.Errorf("request writer is required")
	}
	if outcomes == nil {
		return nil, fmt.Errorf("outcome writer is required")
	}
	if router == nil {
		return nil, fmt.Errorf("channel dispatcher is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("idempotency ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	critical := make(map[string]struct{}, len(cfg.CriticalEventTypes))
	for _, t := range cfg.CriticalEventTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			critical[t] = struct{}{}
		}
	}

	return &Orchestrator{
		recipients: recipients,
		requests:   requests,
		outcomes:   outcomes,
		router:     router,
		ledger:     ledger,
		critical:   critical,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// SetBatcher enables batching. The aggregator's flush normally feeds back
// into Dispatch, so it is attached after construction.
func (o *Orchestrator) SetBatcher(b Batcher) {
	if o == nil {
		return
	}
	o.batcher = b
}

// Dispatch processes req to a terminal result. Caller errors are returned
// wrapped in domain.ErrValidation; a key already being sent elsewhere
// returns domain.ErrConflict.
func (o *Orchestrator) Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
	o.prepare(ctx, &req)
	logger := observability.WithContextLogger(o.logger, ctx).With(
		zap.String("requestId", req.ID),
		zap.String("recipientId", req.RecipientID),
	)

	if err := req.Validate(); err != nil {
		logger.Warn("request rejected", zap.Error(err))
		o.metrics.IncRequest("rejected")
		return nil, err
	}

	// A completed key answers from the ledger before consent or quiet hours
	// are looked at again.
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		found, err := o.ledger.Lookup(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				logger.Error("idempotency ledger invariant violated, not sending", zap.String("idempotencyKey", key), zap.Error(err))
			}
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if found.State == idempotency.Cached {
			o.metrics.IncLedgerLookup(found.State.String())
			return o.replay(ctx, logger, &req, key, found.Result)
		}
	}

	recipient, err := o.recipients.GetByID(ctx, req.RecipientID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("request rejected: unknown recipient")
		o.metrics.IncRequest("rejected")
		return nil, fmt.Errorf("%w: unknown recipient %q", domain.ErrValidation, req.RecipientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	allowed, skipped, err := o.router.Precheck(ctx, &req, recipient)
	if err != nil {
		return nil, fmt.Errorf("consent check failed: %w", err)
	}
	if len(allowed) == 0 {
		return o.record(ctx, logger, &req, aggregate(&req, skipped))
	}

	if o.batcher != nil && !req.IsDigest() && o.batcher.Batchable(req.EventType, req.Priority) {
		res, err := o.batcher.Submit(ctx, domain.ActorEventFromRequest(req))
		if err != nil {
			return nil, fmt.Errorf("batch submit failed: %w", err)
		}
		if res == batch.Queued {
			logger.Debug("request batched", zap.String("eventType", req.EventType), zap.String("targetId", req.TargetID))
			return o.record(ctx, logger, &req, &domain.DispatchResult{
				RequestID:   req.ID,
				Status:      domain.StatusDeferred,
				DeferReason: domain.DeferBatch,
				Outcomes:    []domain.DeliveryOutcome{},
			})
		}
	}

	if key != "" {
		reservation, err := o.ledger.GetOrReserve(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				logger.Error("idempotency ledger invariant violated, not sending", zap.String("idempotencyKey", key), zap.Error(err))
			}
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		o.metrics.IncLedgerLookup(reservation.State.String())

		switch reservation.State {
		case idempotency.Cached:
			return o.replay(ctx, logger, &req, key, reservation.Result)
		case idempotency.InFlight:
			logger.Warn("idempotency key held by another request", zap.String("idempotencyKey", key))
			o.metrics.IncRequest(domain.StatusDuplicate.String())
			o.saveRecord(ctx, logger, &domain.RequestRecord{Request: req, Status: domain.StatusDuplicate})
			return nil, fmt.Errorf("%w: idempotency key %q is being processed", domain.ErrConflict, key)
		}
	}

	outcomes := append(skipped, o.router.Dispatch(ctx, &req, recipient, allowed)...)
	orderByChannel(&req, outcomes)
	result := aggregate(&req, outcomes)

	if key != "" {
		o.settleLedger(ctx, logger, key, result)
	}

	return o.record(ctx, logger, &req, result)
}

func (o *Orchestrator) prepare(ctx context.Context, req *domain.NotificationRequest) {
	if strings.TrimSpace(req.ID) == "" {
		req.ID = o.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.now().UTC()
	}
	if req.RoutingMode == "" {
		req.RoutingMode = domain.RoutingSingle
	}
	if req.CorrelationID == "" {
		if id, ok := observability.CorrelationIDFromContext(ctx); ok {
			req.CorrelationID = id
		}
	}
	if _, ok := o.critical[strings.ToLower(strings.TrimSpace(req.EventType))]; ok {
		req.Priority = domain.PriorityCritical
	}
}

// replay answers a repeat with the stored result. The repeat's own record is
// settled with the cached status so it does not stay queued.
func (o *Orchestrator) replay(
	ctx context.Context,
	logger *zap.Logger,
	req *domain.NotificationRequest,
	key string,
	stored *domain.DispatchResult,
) (*domain.DispatchResult, error) {
	if stored == nil {
		logger.Error("cached idempotency entry has no result, not sending", zap.String("idempotencyKey", key))
		return nil, fmt.Errorf("%w: cached entry for %q has no result", domain.ErrInvariant, key)
	}
	cached := *stored
	cached.Cached = true

	o.saveRecord(ctx, logger, &domain.RequestRecord{
		Request:     *req,
		Status:      cached.Status,
		DeferReason: cached.DeferReason,
		NotBefore:   cached.NotBefore,
	})
	o.metrics.IncRequest("cached")
	logger.Info("returning cached result",
		zap.String("idempotencyKey", key),
		zap.String("status", cached.Status.String()),
		zap.String("originalRequestId", cached.RequestID),
	)
	return &cached, nil
}

// settleLedger stores the result for replay. Deferred results release the
// key so the rescheduled attempt can reserve it again.
func (o *Orchestrator) settleLedger(ctx context.Context, logger *zap.Logger, key string, result *domain.DispatchResult) {
	if result.Status == domain.StatusDeferred {
		if err := o.ledger.Release(ctx, key); err != nil {
			logger.Error("failed to release idempotency key", zap.String("idempotencyKey", key), zap.Error(err))
		}
		return
	}
	if err := o.ledger.Complete(ctx, key, *result); err != nil {
		logger.Error("failed to store idempotency result", zap.String("idempotencyKey", key), zap.Error(err))
	}
}

// record persists outcomes and the request status. Delivery has already
// happened at this point, so store failures are logged rather than returned.
func (o *Orchestrator) record(
	ctx context.Context,
	logger *zap.Logger,
	req *domain.NotificationRequest,
	result *domain.DispatchResult,
) (*domain.DispatchResult, error) {
	if len(result.Outcomes) > 0 {
		if err := o.outcomes.Append(ctx, result.Outcomes); err != nil {
			logger.Error("failed to persist delivery outcomes", zap.Int("count", len(result.Outcomes)), zap.Error(err))
		}
	}

	o.saveRecord(ctx, logger, &domain.RequestRecord{
		Request:     *req,
		Status:      result.Status,
		DeferReason: result.DeferReason,
		NotBefore:   result.NotBefore,
	})

	o.metrics.IncRequest(result.Status.String())
	fields := []zap.Field{zap.String("status", result.Status.String())}
	if result.DeferReason != domain.DeferNone {
		fields = append(fields, zap.String("deferReason", string(result.DeferReason)))
	}
	if ch, ok := result.SucceededChannel(); ok {
		fields = append(fields, zap.String("channel", ch.String()))
	}
	logger.Info("request processed", fields...)

	return result, nil
}

func (o *Orchestrator) saveRecord(ctx context.Context, logger *zap.Logger, rec *domain.RequestRecord) {
	rec.UpdatedAt = o.now().UTC()
	if err := o.requests.Upsert(ctx, rec); err != nil {
		logger.Error("failed to persist request record", zap.String("status", rec.Status.String()), zap.Error(err))
	}
}

// aggregate derives the request status from its channel outcomes.
func aggregate(req *domain.NotificationRequest, outcomes []domain.DeliveryOutcome) *domain.DispatchResult {
	result := &domain.DispatchResult{
		RequestID: req.ID,
		Outcomes:  outcomes,
	}
	if result.Outcomes == nil {
		result.Outcomes = []domain.DeliveryOutcome{}
	}

	sent := 0
	var (
		quiet, throttled bool
		notBefore        *time.Time
	)
	for _, out := range outcomes {
		switch {
		case out.Status == domain.OutcomeSent:
			sent++
		case out.Status.IsDeferrable():
			quiet = quiet || out.Status == domain.OutcomeSkippedQuietHours
			throttled = throttled || out.Status == domain.OutcomeSkippedThrottle
			if out.RetryNotBefore != nil && (notBefore == nil || out.RetryNotBefore.Before(*notBefore)) {
				ts := *out.RetryNotBefore
				notBefore = &ts
			}
		}
	}

	switch {
	case sent > 0 && req.RoutingMode == domain.RoutingAll && sent < len(outcomes):
		result.Status = domain.StatusPartiallySent
	case sent > 0:
		result.Status = domain.StatusSent
	case quiet:
		result.Status = domain.StatusDeferred
		result.DeferReason = domain.DeferQuietHours
		result.NotBefore = notBefore
	case throttled:
		result.Status = domain.StatusDeferred
		result.DeferReason = domain.DeferThrottle
		result.NotBefore = notBefore
	default:
		result.Status = domain.StatusFailed
	}

	return result
}

// orderByChannel restores the caller's channel order after precheck skips
// and dispatch outcomes were collected separately.
func orderByChannel(req *domain.NotificationRequest, outcomes []domain.DeliveryOutcome) {
	rank := make(map[domain.Channel]int, len(req.Channels))
	for i, ch := range req.Channels {
		rank[ch] = i
	}
	slices.SortStableFunc(outcomes, func(a, b domain.DeliveryOutcome) int {
		return rank[a.Channel] - rank[b.Channel]
	})
}
