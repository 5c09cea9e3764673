package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/consent"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/provider"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/ratelimit"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/throttle"
)

// ConsentChecker is satisfied by *consent.Gate.
type ConsentChecker interface {
	Check(ctx context.Context, recipient *domain.Recipient, category domain.Category, channel domain.Channel, priority domain.Priority) (consent.Decision, error)
}

// Router attempts delivery over a channel list, either as ordered fallback
// (single) or independent fan-out (all).
type Router struct {
	consent  ConsentChecker
	throttle throttle.Guard
	senders  provider.Senders
	limiter  ratelimit.RateLimiter
	metrics  *observability.Metrics
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewRouter wires the per-channel checks and senders. limiter may be nil.
func NewRouter(
	consentChecker ConsentChecker,
	guard throttle.Guard,
	senders provider.Senders,
	limiter ratelimit.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Router, error) {
	if consentChecker == nil {
		return nil, errors.New("consent checker is required")
	}
	if guard == nil {
		return nil, errors.New("throttle guard is required")
	}
	if len(senders) == 0 {
		return nil, errors.New("at least one channel sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		consent:  consentChecker,
		throttle: guard,
		senders:  senders,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Precheck evaluates consent on every channel without touching throttle
// budgets or senders. It returns the channels that may still be attempted
// and a skip outcome for each denied one.
func (r *Router) Precheck(
	ctx context.Context,
	req *domain.NotificationRequest,
	recipient *domain.Recipient,
) ([]domain.Channel, []domain.DeliveryOutcome, error) {
	allowed := make([]domain.Channel, 0, len(req.Channels))
	var skipped []domain.DeliveryOutcome

	for _, ch := range req.Channels {
		decision, err := r.consent.Check(ctx, recipient, req.Category, ch, req.Priority)
		if err != nil {
			return nil, nil, err
		}
		if decision.Allowed {
			allowed = append(allowed, ch)
			continue
		}
		out := r.newOutcome(req, ch)
		out.Status = decision.OutcomeStatus()
		out.Reason = decision.Reason
		out.RetryNotBefore = decision.NotBefore
		skipped = append(skipped, out)
	}
	return allowed, skipped, nil
}

// Dispatch runs the per-channel checks and sends according to the request's
// routing mode. It never returns an error: every failure is an outcome.
func (r *Router) Dispatch(
	ctx context.Context,
	req *domain.NotificationRequest,
	recipient *domain.Recipient,
	channels []domain.Channel,
) []domain.DeliveryOutcome {
	if req.RoutingMode == domain.RoutingAll {
		return r.dispatchAll(ctx, req, recipient, channels)
	}
	return r.dispatchSingle(ctx, req, recipient, channels)
}

func (r *Router) dispatchSingle(
	ctx context.Context,
	req *domain.NotificationRequest,
	recipient *domain.Recipient,
	channels []domain.Channel,
) []domain.DeliveryOutcome {
	outcomes := make([]domain.DeliveryOutcome, 0, len(channels))
	for _, ch := range channels {
		out := r.attempt(ctx, req, recipient, ch)
		outcomes = append(outcomes, out)
		if out.Status == domain.OutcomeSent {
			break
		}
	}
	return outcomes
}

func (r *Router) dispatchAll(
	ctx context.Context,
	req *domain.NotificationRequest,
	recipient *domain.Recipient,
	channels []domain.Channel,
) []domain.DeliveryOutcome {
	outcomes := make([]domain.DeliveryOutcome, len(channels))

	// Plain Group: one channel's failure must not cancel its siblings.
	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			outcomes[i] = r.attempt(ctx, req, recipient, ch)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Router) attempt(
	ctx context.Context,
	req *domain.NotificationRequest,
	recipient *domain.Recipient,
	ch domain.Channel,
) domain.DeliveryOutcome {
	out := r.newOutcome(req, ch)
	logger := observability.WithContextLogger(r.logger, ctx).With(zap.String("channel", ch.String()))

	defer func() {
		r.metrics.IncOutcome(ch.String(), out.Status.String(), out.Reason)
	}()

	decision, err := r.consent.Check(ctx, recipient, req.Category, ch, req.Priority)
	if err != nil {
		logger.Error("consent lookup failed", zap.Error(err))
		return failed(out, domain.ReasonLookupFailed, err)
	}
	if !decision.Allowed {
		out.Status = decision.OutcomeStatus()
		out.Reason = decision.Reason
		out.RetryNotBefore = decision.NotBefore
		return out
	}

	contact := recipient.Contact(ch)
	if contact == "" {
		return failed(out, domain.ReasonMissingContactInfo, provider.MissingContact(ch))
	}
	sender, ok := r.senders.Get(ch)
	if !ok {
		return failed(out, domain.ReasonChannelUnavailable, fmt.Errorf("no sender configured for %s", ch))
	}

	// Budget is taken only once a send is actually possible.
	budget, err := r.throttle.TryAcquire(ctx, recipient.ID, ch, req.Priority)
	if err != nil {
		logger.Error("throttle lookup failed", zap.Error(err))
		return failed(out, domain.ReasonLookupFailed, err)
	}
	if !budget.Allowed {
		r.metrics.IncThrottleDenied(ch.String())
		out.Status = domain.OutcomeSkippedThrottle
		out.Reason = domain.ReasonThrottled
		if !budget.ResetAt.IsZero() {
			resetAt := budget.ResetAt.UTC()
			out.RetryNotBefore = &resetAt
		}
		return out
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, ch.String()); err != nil {
			return failed(out, domain.ReasonProviderError, err)
		}
	}

	start := r.now()
	receipt, err := r.send(ctx, sender, provider.Message{
		RequestID:      req.ID,
		RecipientID:    recipient.ID,
		Channel:        ch,
		Contact:        contact,
		Category:       req.Category,
		Payload:        req.Payload,
		IdempotencyKey: channelIdempotencyKey(req.IdempotencyKey, ch),
	})
	r.metrics.ObserveSendDuration(ch.String(), r.now().Sub(start))
	out.Timestamp = r.now().UTC()

	if err != nil {
		logger.Warn("channel send failed", zap.String("reason", provider.ReasonOf(err)), zap.Error(err))
		return failed(out, provider.ReasonOf(err), err)
	}

	out.Status = domain.OutcomeSent
	if receipt != nil {
		out.ProviderMessageID = receipt.ProviderMessageID
	}
	return out
}

// send isolates adapter panics so they become a failed outcome.
func (r *Router) send(ctx context.Context, sender provider.ChannelSender, msg provider.Message) (receipt *provider.Receipt, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("channel sender panicked",
				zap.String("channel", msg.Channel.String()),
				zap.Any("panic", rec),
			)
			receipt = nil
			err = &provider.SendError{
				Reason:  domain.ReasonProviderError,
				Message: fmt.Sprintf("sender panic: %v", rec),
			}
		}
	}()
	return sender.Send(ctx, msg)
}

func (r *Router) newOutcome(req *domain.NotificationRequest, ch domain.Channel) domain.DeliveryOutcome {
	return domain.DeliveryOutcome{
		ID:        r.newID(),
		RequestID: req.ID,
		Channel:   ch,
		Timestamp: r.now().UTC(),
	}
}

func failed(out domain.DeliveryOutcome, reason string, err error) domain.DeliveryOutcome {
	out.Status = domain.OutcomeFailed
	out.Reason = reason
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func channelIdempotencyKey(key string, ch domain.Channel) string {
	if key == "" {
		return ""
	}
	return key + ":" + ch.String()
}
