package ratelimit

import "context"

// RateLimiter bounds provider throughput per channel, independent of the
// per-recipient throttle budget.
type RateLimiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
	Wait(ctx context.Context, channel string) error
}
