package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// Guard enforces per-recipient send budgets.
type Guard interface {
	TryAcquire(ctx context.Context, recipientID string, channel domain.Channel, priority domain.Priority) (Decision, error)
}

// Decision is the typed result of TryAcquire.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	// ResetAt is when the current window rolls over. Zero when unlimited.
	ResetAt time.Time
}

// Unlimited is returned for critical priority and unconfigured channels.
func Unlimited() Decision {
	return Decision{Allowed: true, Remaining: -1, Limit: -1}
}

// Limit bounds sends within a fixed window.
type Limit struct {
	Count  int
	Window time.Duration
}

// Limits maps channels to their base budget.
type Limits map[domain.Channel]Limit

// For resolves the budget of a priority bucket. Low priority gets half of
// the base budget (at least one). The boolean is false when no limit applies.
func (l Limits) For(channel domain.Channel, priority domain.Priority) (Limit, bool) {
	if priority.IsCritical() {
		return Limit{}, false
	}
	base, ok := l[channel]
	if !ok || base.Count <= 0 || base.Window <= 0 {
		return Limit{}, false
	}
	if priority == domain.PriorityLow {
		base.Count = max(base.Count/2, 1)
	}
	return base, true
}

// DefaultLimits mirrors commonly recommended per-channel budgets.
func DefaultLimits() Limits {
	return Limits{
		domain.ChannelPush:     {Count: 10, Window: time.Hour},
		domain.ChannelEmail:    {Count: 5, Window: 24 * time.Hour},
		domain.ChannelSMS:      {Count: 3, Window: 24 * time.Hour},
		domain.ChannelInbox:    {Count: 30, Window: time.Hour},
		domain.ChannelSlack:    {Count: 10, Window: time.Hour},
		domain.ChannelMSTeams:  {Count: 10, Window: time.Hour},
		domain.ChannelWhatsApp: {Count: 10, Window: time.Hour},
	}
}

// WindowStart aligns ts to the fixed window that contains it.
func WindowStart(ts time.Time, window time.Duration) time.Time {
	return ts.UTC().Truncate(window)
}

// Key namespaces a counter by recipient, channel and priority bucket.
func Key(recipientID string, channel domain.Channel, priority domain.Priority) string {
	return fmt.Sprintf("%s:%s:%s", recipientID, channel, priority)
}
