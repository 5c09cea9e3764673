package idempotency

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

const shardCount = 32

var _ Ledger = (*InMemoryLedger)(nil)

// InMemoryLedger is a sharded map of entries; expired entries are evicted
// lazily on access and by Sweep.
type InMemoryLedger struct {
	retention      time.Duration
	reservationTTL time.Duration
	now            func() time.Time
	shards         [shardCount]ledgerShard
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]*domain.IdempotencyEntry
}

func NewInMemoryLedger(retention, reservationTTL time.Duration) *InMemoryLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}

	l := &InMemoryLedger{
		retention:      retention,
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*domain.IdempotencyEntry)
	}
	return l
}

func (l *InMemoryLedger) Lookup(ctx context.Context, key string) (Reservation, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Reservation{}, err
	}

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok || !l.now().Before(entry.ExpiresAt) {
		return Reservation{State: Absent}, nil
	}
	return entryReservation(entry), nil
}

func (l *InMemoryLedger) GetOrReserve(ctx context.Context, key string) (Reservation, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Reservation{}, err
	}

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := l.now()
	if entry, ok := shard.entries[key]; ok && now.Before(entry.ExpiresAt) {
		return entryReservation(entry), nil
	}

	shard.entries[key] = &domain.IdempotencyEntry{
		Key:       key,
		ExpiresAt: now.Add(l.reservationTTL),
	}
	return Reservation{State: Reserved}, nil
}

func (l *InMemoryLedger) Complete(ctx context.Context, key string, result domain.DispatchResult) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok || !entry.Pending() {
		return fmt.Errorf("%w: idempotency key %q is not reserved", domain.ErrInvariant, key)
	}

	stored := result
	stored.Outcomes = append([]domain.DeliveryOutcome(nil), result.Outcomes...)
	entry.Result = &stored
	entry.ExpiresAt = l.now().Add(l.retention)
	return nil
}

func (l *InMemoryLedger) Release(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.entries[key]; ok && entry.Pending() {
		delete(shard.entries, key)
	}
	return nil
}

// Sweep evicts expired entries and returns how many were removed.
func (l *InMemoryLedger) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if !now.Before(entry.ExpiresAt) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// entryReservation copies a live entry out of the shard. Callers hold the shard lock.
func entryReservation(entry *domain.IdempotencyEntry) Reservation {
	if entry.Pending() {
		return Reservation{State: InFlight}
	}
	result := *entry.Result
	result.Outcomes = append([]domain.DeliveryOutcome(nil), entry.Result.Outcomes...)
	return Reservation{State: Cached, Result: &result}
}

func (l *InMemoryLedger) shard(key string) *ledgerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	return trimmed, nil
}
