package domain

import (
	"fmt"
	"strings"
	"time"
)

// BucketState represents the lifecycle of a batch bucket.
type BucketState string

const (
	BucketOpen     BucketState = "open"
	BucketFlushing BucketState = "flushing"
	BucketFlushed  BucketState = "flushed"
	BucketCanceled BucketState = "canceled"
	// BucketFailed means the digest could not be handed off after retries.
	BucketFailed   BucketState = "failed"
)

func (s BucketState) String() string { return string(s) }

func (s BucketState) IsValid() bool {
	switch s {
	case BucketOpen, BucketFlushing, BucketFlushed, BucketCanceled, BucketFailed:
		return true
	}
	return false
}

// BucketKey groups related events awaiting one summarized notification.
type BucketKey struct {
	RecipientID string
	EventType   string
	TargetID    string
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.RecipientID, k.EventType, k.TargetID)
}

// ActorEvent is one low-priority activity that may be folded into a digest.
type ActorEvent struct {
	RecipientID string         `json:"recipientId"`
	EventType   string         `json:"eventType"`
	TargetID    string         `json:"targetId"`
	TargetType  string         `json:"targetType,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	ActorName   string         `json:"actorName"`
	Category    Category       `json:"category"`
	Priority    Priority       `json:"priority"`
	Channels    []Channel      `json:"channels"`
	RoutingMode RoutingMode    `json:"routingMode"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

func (e ActorEvent) Key() BucketKey {
	return BucketKey{
		RecipientID: strings.TrimSpace(e.RecipientID),
		EventType:   strings.ToLower(strings.TrimSpace(e.EventType)),
		TargetID:    strings.TrimSpace(e.TargetID),
	}
}

// ActorKey identifies the originator for distinct-actor counting.
func (e ActorEvent) ActorKey() string {
	if id := strings.TrimSpace(e.ActorID); id != "" {
		return id
	}
	return strings.TrimSpace(e.ActorName)
}

func (e ActorEvent) Validate() error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrValidation)
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: eventType is required", ErrValidation)
	}
	return nil
}

// ActorEventFromRequest lifts the activity fields of a request into an ActorEvent.
func ActorEventFromRequest(r NotificationRequest) ActorEvent {
	return ActorEvent{
		RecipientID: r.RecipientID,
		EventType:   r.EventType,
		TargetID:    r.TargetID,
		TargetType:  r.TargetType,
		ActorID:     r.ActorID,
		ActorName:   r.ActorName,
		Category:    r.Category,
		Priority:    r.Priority,
		Channels:    append([]Channel(nil), r.Channels...),
		RoutingMode: r.RoutingMode,
		Payload:     r.Payload,
		OccurredAt:  r.CreatedAt,
	}
}

// BatchBucket is an in-flight group of related events.
type BatchBucket struct {
	ID          string       `json:"id"`
	RecipientID string       `json:"recipientId"`
	EventType   string       `json:"eventType"`
	TargetID    string       `json:"targetId"`
	OpenedAt    time.Time    `json:"openedAt"`
	Events      []ActorEvent `json:"events"`
	State       BucketState  `json:"state"`
	ClosedAt    *time.Time   `json:"closedAt,omitempty"`
}

func (b *BatchBucket) Key() BucketKey {
	return BucketKey{RecipientID: b.RecipientID, EventType: b.EventType, TargetID: b.TargetID}
}
