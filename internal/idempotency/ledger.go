package idempotency

import (
	"context"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// DefaultRetention is how long a completed result answers repeats.
const DefaultRetention = 24 * time.Hour

// DefaultReservationTTL bounds how long an unfinished reservation blocks a key,
// so a crashed sender does not pin it for the whole retention window.
const DefaultReservationTTL = 10 * time.Minute

// State is the outcome of GetOrReserve.
type State int

const (
	// Reserved means the caller owns the key and must Complete or Release it.
	Reserved State = iota + 1
	// Cached means a result exists; the caller must not send again.
	Cached
	// InFlight means another caller holds the reservation.
	InFlight
	// Absent means Lookup found no live entry.
	Absent
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Cached:
		return "cached"
	case InFlight:
		return "in_flight"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Reservation is the typed result of GetOrReserve.
type Reservation struct {
	State  State
	Result *domain.DispatchResult
}

// Ledger deduplicates sends by key. GetOrReserve must be a single
// conditional insert per key.
//
// Keys for intentionally repeatable notifications embed a timestamp or nonce
// (otp-{userId}-{timestamp}); the ledger does not interpret keys.
type Ledger interface {
	// Lookup reads the entry without reserving it. It returns Cached, InFlight or Absent.
	Lookup(ctx context.Context, key string) (Reservation, error)
	GetOrReserve(ctx context.Context, key string) (Reservation, error)
	Complete(ctx context.Context, key string, result domain.DispatchResult) error
	Release(ctx context.Context, key string) error
}
