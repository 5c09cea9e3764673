package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = time.Second
	DefaultRetryMax    = 30 * time.Second
	DefaultRetryJitter = 250 * time.Millisecond
)

type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultRetryBase,
		Max:         DefaultRetryMax,
		Jitter:      DefaultRetryJitter,
	}
}

// RetryingSender retries transient failures of next with capped exponential
// backoff plus jitter. Permanent failures return on the first attempt.
type RetryingSender struct {
	next     ChannelSender
	policy   RetryPolicy
	logger   *zap.Logger
	randIntn func(int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetryingSender(next ChannelSender, policy RetryPolicy, logger *zap.Logger) (*RetryingSender, error) {
	if next == nil {
		return nil, errors.New("next sender is required")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Base <= 0 {
		policy.Base = DefaultRetryBase
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryingSender{
		next:     next,
		policy:   policy,
		logger:   logger,
		randIntn: rand.Intn,
		sleep:    sleepWithContext,
	}, nil
}

// WithRetry wraps every sender in s with the same policy.
func WithRetry(s Senders, policy RetryPolicy, logger *zap.Logger) (Senders, error) {
	wrapped := make(Senders, len(s))
	for ch, sender := range s {
		rs, err := NewRetryingSender(sender, policy, logger)
		if err != nil {
			return nil, err
		}
		wrapped[ch] = rs
	}
	return wrapped, nil
}

func (r *RetryingSender) Send(ctx context.Context, msg Message) (*Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		receipt, err := r.next.Send(ctx, msg)
		if err == nil {
			return receipt, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.computeRetryDelay(attempt)
		r.logger.Warn("transient send failure, retrying",
			zap.String("requestId", msg.RequestID),
			zap.String("channel", msg.Channel.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, errors.Join(lastErr, err)
		}
	}
	return nil, lastErr
}

func (r *RetryingSender) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := r.policy.Base
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= r.policy.Max {
			delay = r.policy.Max
			break
		}
	}

	if delay > r.policy.Max {
		delay = r.policy.Max
	}

	jitter := time.Duration(0)
	if r.randIntn != nil && r.policy.Jitter > 0 {
		jitter = time.Duration(r.randIntn(int(r.policy.Jitter/time.Millisecond)+1)) * time.Millisecond
	}

	return delay + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
