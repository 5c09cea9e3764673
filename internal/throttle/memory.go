package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

var _ Guard = (*InMemoryGuard)(nil)

// InMemoryGuard keeps fixed-window counters in process. Each key has its own
// lock so recipients never contend with each other.
type InMemoryGuard struct {
	limits Limits
	now    func() time.Time

	windows sync.Map // key -> *counter
}

type counter struct {
	mu     sync.Mutex
	window domain.ThrottleWindow
	size   time.Duration
	// dead is set once Sweep removed the counter from the map.
	dead bool
}

func NewInMemoryGuard(limits Limits) *InMemoryGuard {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &InMemoryGuard{limits: limits, now: time.Now}
}

func (g *InMemoryGuard) TryAcquire(ctx context.Context, recipientID string, channel domain.Channel, priority domain.Priority) (Decision, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return Decision{}, fmt.Errorf("%w: recipientId is required", domain.ErrValidation)
	}

	limit, limited := g.limits.For(channel, priority)
	if !limited {
		return Unlimited(), nil
	}

	now := g.now()
	start := WindowStart(now, limit.Window)
	var c *counter
	for {
		c = g.counterFor(recipientID, channel, priority, limit.Window)
		c.mu.Lock()
		if !c.dead {
			break
		}
		c.mu.Unlock()
	}
	defer c.mu.Unlock()

	if !c.window.WindowStart.Equal(start) {
		c.window.WindowStart = start
		c.window.Count = 0
	}

	resetAt := start.Add(limit.Window)
	if c.window.Count >= limit.Count {
		return Decision{Allowed: false, Remaining: 0, Limit: limit.Count, ResetAt: resetAt}, nil
	}

	c.window.Count++
	return Decision{
		Allowed:   true,
		Remaining: limit.Count - c.window.Count,
		Limit:     limit.Count,
		ResetAt:   resetAt,
	}, nil
}

// Current returns the counter for a key; used by tests and diagnostics.
func (g *InMemoryGuard) Current(recipientID string, channel domain.Channel, priority domain.Priority) (domain.ThrottleWindow, bool) {
	value, ok := g.windows.Load(Key(recipientID, channel, priority))
	if !ok {
		return domain.ThrottleWindow{}, false
	}
	c := value.(*counter)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window, true
}

// Sweep drops counters whose window has fully elapsed.
func (g *InMemoryGuard) Sweep(now time.Time) int {
	removed := 0
	g.windows.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.window.WindowStart.Add(c.size).After(now) {
			return true
		}
		if g.windows.CompareAndDelete(key, value) {
			c.dead = true
			removed++
		}
		return true
	})
	return removed
}

func (g *InMemoryGuard) counterFor(recipientID string, channel domain.Channel, priority domain.Priority, size time.Duration) *counter {
	key := Key(recipientID, channel, priority)
	if value, ok := g.windows.Load(key); ok {
		return value.(*counter)
	}
	fresh := &counter{
		window: domain.ThrottleWindow{
			RecipientID:    recipientID,
			Channel:        channel,
			PriorityBucket: priority,
		},
		size: size,
	}
	actual, _ := g.windows.LoadOrStore(key, fresh)
	return actual.(*counter)
}
