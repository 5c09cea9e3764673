package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/idempotency"
)

func TestLedgerReserveCompleteCached(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, 24*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	ctx := context.Background()

	res, err := ledger.GetOrReserve(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.Reserved {
		t.Fatalf("State = %v, want reserved", res.State)
	}

	res, err = ledger.GetOrReserve(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.InFlight {
		t.Fatalf("State = %v, want in_flight", res.State)
	}

	result := domain.DispatchResult{
		RequestID: "req-1",
		Status:    domain.StatusSent,
		Outcomes:  []domain.DeliveryOutcome{{Channel: domain.ChannelEmail, Status: domain.OutcomeSent}},
	}
	if err := ledger.Complete(ctx, "welcome-u1", result); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	mr.FastForward(23 * time.Hour)
	res, err = ledger.GetOrReserve(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.Cached || res.Result == nil || res.Result.RequestID != "req-1" {
		t.Fatalf("reservation = %+v, want cached req-1", res)
	}
	if len(res.Result.Outcomes) != 1 || res.Result.Outcomes[0].Status != domain.OutcomeSent {
		t.Fatalf("cached outcomes = %+v", res.Result.Outcomes)
	}

	mr.FastForward(2 * time.Hour)
	res, err = ledger.GetOrReserve(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.Reserved {
		t.Fatalf("State after retention = %v, want reserved", res.State)
	}
}

func TestLedgerReleaseOnlyDropsPending(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, 0, 0)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.GetOrReserve(ctx, "otp-u1-1"); err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if err := ledger.Release(ctx, "otp-u1-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	res, err := ledger.GetOrReserve(ctx, "otp-u1-1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.Reserved {
		t.Fatalf("State after release = %v, want reserved", res.State)
	}

	if err := ledger.Complete(ctx, "otp-u1-1", domain.DispatchResult{Status: domain.StatusFailed}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := ledger.Release(ctx, "otp-u1-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	res, err = ledger.GetOrReserve(ctx, "otp-u1-1")
	if err != nil {
		t.Fatalf("GetOrReserve() error = %v", err)
	}
	if res.State != idempotency.Cached {
		t.Fatalf("State = %v, want cached (release must not drop results)", res.State)
	}
}

func TestLedgerCompleteWithoutReservation(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, 0, 0)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}

	err = ledger.Complete(context.Background(), "never-reserved", domain.DispatchResult{})
	if !errors.Is(err, domain.ErrInvariant) {
		t.Fatalf("Complete() error = %v, want ErrInvariant", err)
	}
}

func TestLedgerCorruptEntryFailsClosed(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, 0, 0)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	if err := mr.Set(ledgerKeyPrefix+"broken", "{not json"); err != nil {
		t.Fatalf("mr.Set() error = %v", err)
	}

	_, err = ledger.GetOrReserve(context.Background(), "broken")
	if !errors.Is(err, domain.ErrInvariant) {
		t.Fatalf("GetOrReserve() error = %v, want ErrInvariant", err)
	}
}

func TestLedgerEmptyKey(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, 0, 0)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}

	if _, err := ledger.GetOrReserve(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("GetOrReserve() error = %v, want ErrValidation", err)
	}
}

func TestLedgerLookupDoesNotReserve(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	ledger, err := NewLedger(rdb, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	ctx := context.Background()

	res, err := ledger.Lookup(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if res.State != idempotency.Absent {
		t.Fatalf("Lookup() state = %v, want absent", res.State)
	}

	res, err = ledger.GetOrReserve(ctx, "welcome-u1")
	if err != nil || res.State != idempotency.Reserved {
		t.Fatalf("GetOrReserve() = %v, %v, want reserved after lookup", res.State, err)
	}
	if res, err = ledger.Lookup(ctx, "welcome-u1"); err != nil || res.State != idempotency.InFlight {
		t.Fatalf("Lookup() = %v, %v, want in_flight", res.State, err)
	}

	if err := ledger.Complete(ctx, "welcome-u1", domain.DispatchResult{RequestID: "req-1", Status: domain.StatusSent}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	res, err = ledger.Lookup(ctx, "welcome-u1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if res.State != idempotency.Cached || res.Result == nil || res.Result.RequestID != "req-1" {
		t.Fatalf("Lookup() = %+v, want cached req-1", res)
	}
}
