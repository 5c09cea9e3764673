package domain

import (
	"fmt"
	"strings"
	"time"
)

// Recipient holds the directory data the orchestrator needs for one user.
type Recipient struct {
	ID       string             `json:"id"`
	Timezone string             `json:"timezone,omitempty"`
	Contacts map[Channel]string `json:"contacts,omitempty"`
}

// Contact returns the trimmed address for a channel, or "" when unknown.
func (r *Recipient) Contact(channel Channel) string {
	if r == nil || r.Contacts == nil {
		return ""
	}
	return strings.TrimSpace(r.Contacts[channel])
}

func (r *Recipient) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: invalid timezone %q", ErrValidation, r.Timezone)
		}
	}
	for ch := range r.Contacts {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid contact channel %q", ErrValidation, ch)
		}
	}
	return nil
}
