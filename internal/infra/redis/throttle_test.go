package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/throttle"
)

func newTestThrottleGuard(t *testing.T, limits throttle.Limits, now time.Time) *ThrottleGuard {
	t.Helper()

	rdb, _ := newTestRedisClient(t)
	guard, err := NewThrottleGuard(rdb, limits)
	if err != nil {
		t.Fatalf("NewThrottleGuard() error = %v", err)
	}
	guard.now = func() time.Time { return now }
	return guard
}

func TestThrottleGuardHourlyLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	guard := newTestThrottleGuard(t, throttle.Limits{domain.ChannelPush: {Count: 5, Window: time.Hour}}, now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := guard.TryAcquire(ctx, "u1", domain.ChannelPush, domain.PriorityMedium)
		if err != nil {
			t.Fatalf("TryAcquire() error = %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if decision.Remaining != 5-(i+1) {
			t.Fatalf("Remaining = %d, want %d", decision.Remaining, 5-(i+1))
		}
	}

	decision, err := guard.TryAcquire(ctx, "u1", domain.ChannelPush, domain.PriorityMedium)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("6th medium request should be throttled")
	}
	if want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC); !decision.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", decision.ResetAt, want)
	}

	decision, err = guard.TryAcquire(ctx, "u1", domain.ChannelPush, domain.PriorityCritical)
	if err != nil {
		t.Fatalf("TryAcquire(critical) error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("critical request should bypass the throttle")
	}

	guard.now = func() time.Time { return now.Add(time.Hour) }
	decision, err = guard.TryAcquire(ctx, "u1", domain.ChannelPush, domain.PriorityMedium)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("next window should allow again")
	}
}

func TestThrottleGuardConcurrentCallers(t *testing.T) {
	t.Parallel()

	guard := newTestThrottleGuard(t, throttle.Limits{domain.ChannelSMS: {Count: 3, Window: 24 * time.Hour}}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelSMS, domain.PriorityHigh)
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

	if got := allowed.Load(); got != 3 {
		t.Fatalf("allowed = %d, want 3", got)
	}
}

func TestThrottleGuardUnconfiguredChannelIsUnlimited(t *testing.T) {
	t.Parallel()

	guard := newTestThrottleGuard(t, throttle.Limits{}, time.Now())

	decision, err := guard.TryAcquire(context.Background(), "u1", domain.ChannelSlack, domain.PriorityLow)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !decision.Allowed || decision.Limit != -1 {
		t.Fatalf("decision = %+v, want unlimited", decision)
	}
}
