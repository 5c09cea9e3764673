package domain

import (
	"fmt"
	"strings"
	"time"
)

// InboundEventType enumerates asynchronous events reported by providers or users.
type InboundEventType string

const (
	InboundDelivered InboundEventType = "delivered"
	InboundBounced   InboundEventType = "bounced"
	InboundFailed    InboundEventType = "failed"
	InboundOpened    InboundEventType = "opened"
	InboundOptedOut  InboundEventType = "opted_out"
	InboundOptedIn   InboundEventType = "opted_in"
)

func (t InboundEventType) IsValid() bool {
	switch t {
	case InboundDelivered, InboundBounced, InboundFailed, InboundOpened, InboundOptedOut, InboundOptedIn:
		return true
	}
	return false
}

// InboundEvent updates consent or delivery state after the fact.
type InboundEvent struct {
	Type              InboundEventType `json:"type"`
	RecipientID       string           `json:"recipientId,omitempty"`
	RequestID         string           `json:"requestId,omitempty"`
	Channel           Channel          `json:"channel,omitempty"`
	Category          Category         `json:"category,omitempty"`
	TargetID          string           `json:"targetId,omitempty"`
	ProviderMessageID string           `json:"providerMessageId,omitempty"`
	Detail            string           `json:"detail,omitempty"`
	OccurredAt        time.Time        `json:"occurredAt"`
}

func (e *InboundEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid inbound event type %q", ErrValidation, e.Type)
	}

	switch e.Type {
	case InboundOptedIn, InboundOptedOut:
		if strings.TrimSpace(e.RecipientID) == "" {
			return fmt.Errorf("%w: recipientId is required for %s", ErrValidation, e.Type)
		}
		if !e.Channel.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, e.Channel)
		}
		if !e.Category.IsValid() {
			return fmt.Errorf("%w: invalid category %q", ErrValidation, e.Category)
		}
	case InboundDelivered, InboundBounced, InboundFailed:
		if strings.TrimSpace(e.RequestID) == "" {
			return fmt.Errorf("%w: requestId is required for %s", ErrValidation, e.Type)
		}
		if !e.Channel.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, e.Channel)
		}
	case InboundOpened:
		if strings.TrimSpace(e.RecipientID) == "" || strings.TrimSpace(e.TargetID) == "" {
			return fmt.Errorf("%w: recipientId and targetId are required for %s", ErrValidation, e.Type)
		}
	}

	return nil
}
