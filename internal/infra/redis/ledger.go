package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/idempotency"
)

const (
	ledgerKeyPrefix = "idempotency:"
	pendingMarker   = "__pending__"
	reserveAttempts = 3
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ idempotency.Ledger = (*Ledger)(nil)

// Ledger stores idempotency entries in Redis. A reservation is a SETNX of a
// pending marker; completion overwrites it with the JSON result.
type Ledger struct {
	client         *goredis.Client
	retention      time.Duration
	reservationTTL time.Duration
	now            func() time.Time
}

func NewLedger(client *goredis.Client, retention, reservationTTL time.Duration) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		retention = idempotency.DefaultRetention
	}
	if reservationTTL <= 0 {
		reservationTTL = idempotency.DefaultReservationTTL
	}
	return &Ledger{
		client:         client,
		retention:      retention,
		reservationTTL: reservationTTL,
		now:            time.Now,
	}, nil
}

func (l *Ledger) Lookup(ctx context.Context, key string) (idempotency.Reservation, error) {
	redisKey, err := ledgerKey(key)
	if err != nil {
		return idempotency.Reservation{}, err
	}

	raw, err := l.client.Get(ctx, redisKey).Result()
	if errors.Is(err, goredis.Nil) {
		return idempotency.Reservation{State: idempotency.Absent}, nil
	}
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return decodeEntry(key, raw)
}

func (l *Ledger) GetOrReserve(ctx context.Context, key string) (idempotency.Reservation, error) {
	redisKey, err := ledgerKey(key)
	if err != nil {
		return idempotency.Reservation{}, err
	}

	for range reserveAttempts {
		reserved, err := l.client.SetNX(ctx, redisKey, pendingMarker, l.reservationTTL).Result()
		if err != nil {
			return idempotency.Reservation{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if reserved {
			return idempotency.Reservation{State: idempotency.Reserved}, nil
		}

		raw, err := l.client.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return idempotency.Reservation{}, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		return decodeEntry(key, raw)
	}

	return idempotency.Reservation{}, fmt.Errorf("idempotency key %q kept expiring during reservation", key)
}

func (l *Ledger) Complete(ctx context.Context, key string, result domain.DispatchResult) error {
	redisKey, err := ledgerKey(key)
	if err != nil {
		return err
	}

	body, err := json.Marshal(domain.IdempotencyEntry{
		Key:       strings.TrimSpace(key),
		Result:    &result,
		ExpiresAt: l.now().UTC().Add(l.retention),
	})
	if err != nil {
		return fmt.Errorf("failed to encode idempotency entry: %w", err)
	}

	updated, err := l.client.SetXX(ctx, redisKey, body, l.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency result: %w", err)
	}
	if !updated {
		return fmt.Errorf("%w: idempotency key %q is not reserved", domain.ErrInvariant, key)
	}
	return nil
}

func (l *Ledger) Release(ctx context.Context, key string) error {
	redisKey, err := ledgerKey(key)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, pendingMarker).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func decodeEntry(key, raw string) (idempotency.Reservation, error) {
	if raw == pendingMarker {
		return idempotency.Reservation{State: idempotency.InFlight}, nil
	}
	var entry domain.IdempotencyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Result == nil {
		return idempotency.Reservation{}, fmt.Errorf("%w: corrupt idempotency entry for %q", domain.ErrInvariant, key)
	}
	return idempotency.Reservation{State: idempotency.Cached, Result: entry.Result}, nil
}

func ledgerKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	return ledgerKeyPrefix + trimmed, nil
}
