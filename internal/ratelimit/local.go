package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const DefaultPerSecond = 100

var _ RateLimiter = (*LocalLimiter)(nil)

// LocalLimiter is a per-process token bucket per channel.
type LocalLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter(perSecond int) *LocalLimiter {
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	return &LocalLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     perSecond,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	limiter, err := l.limiter(channel)
	if err != nil {
		return false, err
	}
	return limiter.Allow(), nil
}

func (l *LocalLimiter) Wait(ctx context.Context, channel string) error {
	limiter, err := l.limiter(channel)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return limiter.Wait(ctx)
}

func (l *LocalLimiter) limiter(channel string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return nil, fmt.Errorf("channel is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[normalized]
	if !ok {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[normalized] = limiter
	}
	return limiter, nil
}
