package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents a delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelInbox    Channel = "inbox"
	ChannelSlack    Channel = "slack"
	ChannelMSTeams  Channel = "ms_teams"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels lists every supported channel.
var Channels = []Channel{
	ChannelEmail,
	ChannelSMS,
	ChannelPush,
	ChannelInbox,
	ChannelSlack,
	ChannelMSTeams,
	ChannelWhatsApp,
}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInbox, ChannelSlack, ChannelMSTeams, ChannelWhatsApp:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Category classifies a notification for consent purposes.
type Category string

const (
	CategoryTransactional Category = "transactional"
	CategoryGrowth        Category = "growth"
	CategoryMarketing     Category = "marketing"
)

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	switch c {
	case CategoryTransactional, CategoryGrowth, CategoryMarketing:
		return true
	}
	return false
}

func ParseCategoryFromString(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid category %q", ErrValidation, s)
	}
	return c, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (p Priority) IsCritical() bool { return p == PriorityCritical }

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// RoutingMode selects ordered fallback or independent fan-out.
type RoutingMode string

const (
	RoutingSingle RoutingMode = "single"
	RoutingAll    RoutingMode = "all"
)

func (m RoutingMode) String() string { return string(m) }

func (m RoutingMode) IsValid() bool {
	return m == RoutingSingle || m == RoutingAll
}

func ParseRoutingModeFromString(s string) (RoutingMode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return RoutingSingle, nil
	}
	m := RoutingMode(trimmed)
	if !m.IsValid() {
		return "", fmt.Errorf("%w: invalid routing mode %q", ErrValidation, s)
	}
	return m, nil
}

// NotificationRequest is a single logical notification addressed to one recipient.
type NotificationRequest struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	RecipientID    string         `json:"recipientId"`
	Category       Category       `json:"category"`
	Priority       Priority       `json:"priority"`
	Channels       []Channel      `json:"channels"`
	RoutingMode    RoutingMode    `json:"routingMode"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`

	// EventType, TargetID and the actor fields describe the originating
	// activity. They drive batching and critical classification.
	EventType  string `json:"eventType,omitempty"`
	TargetID   string `json:"targetId,omitempty"`
	TargetType string `json:"targetType,omitempty"`
	ActorID    string `json:"actorId,omitempty"`
	ActorName  string `json:"actorName,omitempty"`

	// BatchID is set on summarized digests produced by a bucket flush.
	BatchID string `json:"batchId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsDigest reports whether the request is the summary of a flushed batch.
func (r *NotificationRequest) IsDigest() bool {
	return r != nil && strings.TrimSpace(r.BatchID) != ""
}

func (r *NotificationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrValidation)
	}
	if strings.TrimSpace(r.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrValidation)
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("%w: invalid category %q", ErrValidation, r.Category)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if !r.RoutingMode.IsValid() {
		return fmt.Errorf("%w: invalid routing mode %q", ErrValidation, r.RoutingMode)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}

	seen := make(map[Channel]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrValidation, ch)
		}
		seen[ch] = struct{}{}
	}

	if r.Category == CategoryTransactional && strings.TrimSpace(r.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotencyKey is required for transactional notifications", ErrValidation)
	}

	return nil
}
