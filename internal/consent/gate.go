package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// PreferenceSource is the read-only consent lookup.
type PreferenceSource interface {
	GetConsent(ctx context.Context, recipientID string, category domain.Category, channel domain.Channel) (*domain.ConsentRecord, error)
}

// Decision is the typed result of a consent check.
type Decision struct {
	Allowed bool
	// Reason is one of domain.ReasonOptedOut, ReasonNotOptedIn or ReasonQuietHours.
	Reason string
	// NotBefore is set for quiet-hours denials: the caller reschedules, it never drops.
	NotBefore *time.Time
}

func allow() Decision { return Decision{Allowed: true} }

// IsQuietHours reports whether the denial is deferrable.
func (d Decision) IsQuietHours() bool {
	return !d.Allowed && d.Reason == domain.ReasonQuietHours
}

// OutcomeStatus maps a denial to the skip status recorded for the channel.
func (d Decision) OutcomeStatus() domain.OutcomeStatus {
	if d.IsQuietHours() {
		return domain.OutcomeSkippedQuietHours
	}
	return domain.OutcomeSkippedConsent
}

// Gate decides whether a recipient/category/channel combination may be sent now.
// It has no side effects.
type Gate struct {
	preferences     PreferenceSource
	quietHours      QuietHours
	defaultLocation *time.Location
	logger          *zap.Logger
	now             func() time.Time
}

type GateConfig struct {
	QuietHours      QuietHours
	DefaultTimezone string
	// Clock overrides time.Now when set.
	Clock func() time.Time
}

func NewGate(preferences PreferenceSource, cfg GateConfig, logger *zap.Logger) (*Gate, error) {
	if preferences == nil {
		return nil, fmt.Errorf("preference source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.DefaultTimezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid default timezone %q: %w", tz, err)
		}
		loc = parsed
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Gate{
		preferences:     preferences,
		quietHours:      cfg.QuietHours,
		defaultLocation: loc,
		logger:          logger,
		now:             now,
	}, nil
}

// Check evaluates consent first and quiet hours second: an opt-out is terminal
// even during quiet hours.
func (g *Gate) Check(
	ctx context.Context,
	recipient *domain.Recipient,
	category domain.Category,
	channel domain.Channel,
	priority domain.Priority,
) (Decision, error) {
	if priority.IsCritical() {
		return allow(), nil
	}
	if recipient == nil || strings.TrimSpace(recipient.ID) == "" {
		return Decision{}, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	now := g.now()

	record, err := g.preferences.GetConsent(ctx, recipient.ID, category, channel)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Decision{}, fmt.Errorf("failed to load consent: %w", err)
	}
	status := record.EffectiveStatus(now)

	switch category {
	case domain.CategoryMarketing:
		if status != domain.ConsentOptedIn {
			reason := domain.ReasonNotOptedIn
			if status == domain.ConsentOptedOut {
				reason = domain.ReasonOptedOut
			}
			return Decision{Reason: reason}, nil
		}
	default:
		if status == domain.ConsentOptedOut {
			return Decision{Reason: domain.ReasonOptedOut}, nil
		}
	}

	local := now.In(g.location(recipient))
	if g.quietHours.Contains(local) {
		notBefore := g.quietHours.NextEnd(local).UTC()
		return Decision{Reason: domain.ReasonQuietHours, NotBefore: &notBefore}, nil
	}

	return allow(), nil
}

func (g *Gate) location(recipient *domain.Recipient) *time.Location {
	tz := strings.TrimSpace(recipient.Timezone)
	if tz == "" {
		return g.defaultLocation
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		g.logger.Warn("unknown recipient timezone, using default",
			zap.String("recipientId", recipient.ID),
			zap.String("timezone", tz),
		)
		return g.defaultLocation
	}
	return loc
}
