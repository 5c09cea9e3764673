package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

func newTestGuard(limits Limits, now *time.Time) *InMemoryGuard {
	g := NewInMemoryGuard(limits)
	g.now = func() time.Time { return *now }
	return g
}

func TestInMemoryGuardHourlyLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 14, 10, 5, 0, 0, time.UTC)
	guard := newTestGuard(Limits{domain.ChannelPush: {Count: 5, Window: time.Hour}}, &now)

	for i := 1; i <= 5; i++ {
		decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityMedium)
		if err != nil {
			t.Fatalf("TryAcquire() error = %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if decision.Remaining != 5-i {
			t.Fatalf("request %d remaining = %d, want %d", i, decision.Remaining, 5-i)
		}
	}

	decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityMedium)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("6th medium request should be throttled")
	}
	wantReset := time.Date(2023, 11, 14, 11, 0, 0, 0, time.UTC)
	if !decision.ResetAt.Equal(wantReset) {
		t.Fatalf("ResetAt = %v, want %v", decision.ResetAt, wantReset)
	}

	critical, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityCritical)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !critical.Allowed {
		t.Fatal("critical request should bypass the throttle")
	}

	window, ok := guard.Current("u1", domain.ChannelPush, domain.PriorityMedium)
	if !ok || window.Count != 5 {
		t.Fatalf("medium window = %+v, want count 5", window)
	}
	if _, ok := guard.Current("u1", domain.ChannelPush, domain.PriorityCritical); ok {
		t.Fatal("critical requests must not create a counter")
	}

	now = now.Add(time.Hour)
	decision, err = guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityMedium)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("next window should allow the request")
	}
}

func TestInMemoryGuardKeysAreIndependent(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	guard := newTestGuard(Limits{domain.ChannelSMS: {Count: 1, Window: 24 * time.Hour}}, &now)

	steps := []struct {
		recipient string
		channel   domain.Channel
		priority  domain.Priority
		want      bool
	}{
		{recipient: "u1", channel: domain.ChannelSMS, priority: domain.PriorityHigh, want: true},
		{recipient: "u1", channel: domain.ChannelSMS, priority: domain.PriorityHigh, want: false},
		{recipient: "u1", channel: domain.ChannelSMS, priority: domain.PriorityMedium, want: true},
		{recipient: "u2", channel: domain.ChannelSMS, priority: domain.PriorityHigh, want: true},
		{recipient: "u1", channel: domain.ChannelEmail, priority: domain.PriorityHigh, want: true},
	}

	for i, step := range steps {
		decision, err := guard.TryAcquire(context.Background(), step.recipient, step.channel, step.priority)
		if err != nil {
			t.Fatalf("step %d TryAcquire() error = %v", i, err)
		}
		if decision.Allowed != step.want {
			t.Fatalf("step %d allowed = %v, want %v", i, decision.Allowed, step.want)
		}
	}
}

func TestLimitsForScalesLowPriority(t *testing.T) {
	t.Parallel()

	limits := Limits{
		domain.ChannelPush: {Count: 10, Window: time.Hour},
		domain.ChannelSMS:  {Count: 1, Window: time.Hour},
	}

	tests := []struct {
		name     string
		channel  domain.Channel
		priority domain.Priority
		want     int
		limited  bool
	}{
		{name: "high keeps base", channel: domain.ChannelPush, priority: domain.PriorityHigh, want: 10, limited: true},
		{name: "medium keeps base", channel: domain.ChannelPush, priority: domain.PriorityMedium, want: 10, limited: true},
		{name: "low halves", channel: domain.ChannelPush, priority: domain.PriorityLow, want: 5, limited: true},
		{name: "low keeps at least one", channel: domain.ChannelSMS, priority: domain.PriorityLow, want: 1, limited: true},
		{name: "critical unlimited", channel: domain.ChannelPush, priority: domain.PriorityCritical},
		{name: "unconfigured channel", channel: domain.ChannelSlack, priority: domain.PriorityHigh},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			limit, limited := limits.For(tt.channel, tt.priority)
			if limited != tt.limited {
				t.Fatalf("limited = %v, want %v", limited, tt.limited)
			}
			if limited && limit.Count != tt.want {
				t.Fatalf("count = %d, want %d", limit.Count, tt.want)
			}
		})
	}
}

func TestInMemoryGuardConcurrentAcquire(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	guard := newTestGuard(Limits{domain.ChannelPush: {Count: 10, Window: time.Hour}}, &now)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityHigh)
			if err != nil {
				t.Errorf("TryAcquire() error = %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Fatalf("allowed = %d, want 10", got)
	}
}

func TestInMemoryGuardSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	guard := newTestGuard(Limits{domain.ChannelPush: {Count: 1, Window: time.Hour}}, &now)

	if _, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityHigh); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if removed := guard.Sweep(now.Add(30 * time.Minute)); removed != 0 {
		t.Fatalf("Sweep() removed = %d inside the window, want 0", removed)
	}
	if removed := guard.Sweep(now.Add(time.Hour)); removed != 1 {
		t.Fatalf("Sweep() removed = %d after the window, want 1", removed)
	}

	decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelPush, domain.PriorityHigh)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("swept key should start a fresh window")
	}
}
