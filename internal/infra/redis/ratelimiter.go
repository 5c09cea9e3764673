package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/ratelimit"
)

const (
	providerRateKeyPrefix = "dispatch:provider-rate:"
	rateWindow            = time.Second
	minRateWait           = time.Millisecond
)

// allowScript counts one call in the current one-second window and reports
// whether it fit under the limit.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*ProviderRateLimiter)(nil)

// ProviderRateLimiter caps provider calls per channel per second across all
// orchestrator replicas.
type ProviderRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewProviderRateLimiter(client *goredis.Client, limitPerSec int) (*ProviderRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = ratelimit.DefaultPerSecond
	}

	return &ProviderRateLimiter{
		client:      client,
		limitPerSec: int64(limitPerSec),
		now:         time.Now,
		sleep:       sleepWithContext,
	}, nil
}

func (r *ProviderRateLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	allowed, _, err := r.reserve(ctx, channel)
	return allowed, err
}

// Wait blocks until the channel has budget, sleeping to the start of the
// next window after each denial.
func (r *ProviderRateLimiter) Wait(ctx context.Context, channel string) error {
	for {
		allowed, retryAfter, err := r.reserve(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (r *ProviderRateLimiter) reserve(ctx context.Context, channel string) (bool, time.Duration, error) {
	if r == nil || r.client == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return false, 0, fmt.Errorf("channel is required")
	}

	now := r.now().UTC()
	windowStart := now.Truncate(rateWindow)
	key := fmt.Sprintf("%s%s:%d", providerRateKeyPrefix, normalized, windowStart.Unix())

	result, err := allowScript.Run(ctx, r.client, []string{key}, r.limitPerSec, (2 * rateWindow).Milliseconds()).Int()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	retryAfter := max(windowStart.Add(rateWindow).Sub(now), minRateWait)
	return result == 1, retryAfter, nil
}
