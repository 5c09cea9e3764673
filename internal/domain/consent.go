package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConsentStatus is the explicit opt state of a recipient.
type ConsentStatus string

const (
	ConsentOptedIn  ConsentStatus = "opted_in"
	ConsentOptedOut ConsentStatus = "opted_out"
	ConsentDefault  ConsentStatus = "default"
)

func (s ConsentStatus) String() string { return string(s) }

func (s ConsentStatus) IsValid() bool {
	switch s {
	case ConsentOptedIn, ConsentOptedOut, ConsentDefault:
		return true
	}
	return false
}

func ParseConsentStatusFromString(s string) (ConsentStatus, error) {
	st := ConsentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid consent status %q", ErrValidation, s)
	}
	return st, nil
}

// ConsentRecord is read-only to the orchestrator; user actions and imports write it.
type ConsentRecord struct {
	RecipientID string        `json:"recipientId"`
	Category    Category      `json:"category"`
	Channel     Channel       `json:"channel"`
	Status      ConsentStatus `json:"status"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// EffectiveStatus resolves expiry: an expired record behaves like ConsentDefault.
func (c *ConsentRecord) EffectiveStatus(now time.Time) ConsentStatus {
	if c == nil {
		return ConsentDefault
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ConsentDefault
	}
	return c.Status
}

func (c *ConsentRecord) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: consent record is required", ErrValidation)
	}
	if strings.TrimSpace(c.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrValidation)
	}
	if !c.Category.IsValid() {
		return fmt.Errorf("%w: invalid category %q", ErrValidation, c.Category)
	}
	if !c.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, c.Channel)
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: invalid consent status %q", ErrValidation, c.Status)
	}
	return nil
}
