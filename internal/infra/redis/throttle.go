package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/throttle"
)

// The check and the increment run as one script so concurrent senders for
// the same key cannot both pass on the last unit of budget.
var acquireScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

var _ throttle.Guard = (*ThrottleGuard)(nil)

// ThrottleGuard keeps fixed-window counters in Redis, one key per
// (recipient, channel, priority, window start).
type ThrottleGuard struct {
	client *goredis.Client
	limits throttle.Limits
	now    func() time.Time
}

func NewThrottleGuard(client *goredis.Client, limits throttle.Limits) (*ThrottleGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limits == nil {
		limits = throttle.DefaultLimits()
	}
	return &ThrottleGuard{client: client, limits: limits, now: time.Now}, nil
}

func (g *ThrottleGuard) TryAcquire(ctx context.Context, recipientID string, channel domain.Channel, priority domain.Priority) (throttle.Decision, error) {
	limit, ok := g.limits.For(channel, priority)
	if !ok {
		return throttle.Unlimited(), nil
	}

	now := g.now().UTC()
	windowStart := throttle.WindowStart(now, limit.Window)
	resetAt := windowStart.Add(limit.Window)
	key := fmt.Sprintf("throttle:%s:%d", throttle.Key(recipientID, channel, priority), windowStart.Unix())
	// Keep the key a little past the window so a late INCR cannot resurrect it.
	ttl := resetAt.Sub(now) + time.Second

	values, err := acquireScript.Run(ctx, g.client, []string{key}, limit.Count, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return throttle.Decision{}, fmt.Errorf("failed to evaluate throttle: %w", err)
	}
	if len(values) != 2 {
		return throttle.Decision{}, fmt.Errorf("%w: unexpected throttle script reply %v", domain.ErrInvariant, values)
	}

	count := int(values[1])
	return throttle.Decision{
		Allowed:   values[0] == 1,
		Remaining: max(limit.Count-count, 0),
		Limit:     limit.Count,
		ResetAt:   resetAt,
	}, nil
}
