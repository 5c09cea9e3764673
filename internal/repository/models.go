package repository

import (
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// RequestModel is the persistence model for the requests table.
type RequestModel struct {
	ID             string               `gorm:"type:uuid;primaryKey"`
	CorrelationID  string               `gorm:"type:varchar(64)"`
	RecipientID    string               `gorm:"type:varchar(128);not null"`
	Category       domain.Category      `gorm:"type:varchar(20);not null"`
	Priority       domain.Priority      `gorm:"type:varchar(10);not null"`
	Channels       []domain.Channel     `gorm:"type:jsonb;serializer:json;not null"`
	RoutingMode    domain.RoutingMode   `gorm:"type:varchar(10);not null"`
	IdempotencyKey *string              `gorm:"type:varchar(255)"`
	Payload        map[string]any       `gorm:"type:jsonb;serializer:json"`
	EventType      string               `gorm:"type:varchar(64)"`
	TargetID       string               `gorm:"type:varchar(128)"`
	TargetType     string               `gorm:"type:varchar(64)"`
	ActorID        string               `gorm:"type:varchar(128)"`
	ActorName      string               `gorm:"type:varchar(255)"`
	BatchID        *string              `gorm:"type:uuid"`
	Status         domain.RequestStatus `gorm:"type:varchar(20);not null"`
	DeferReason    domain.DeferReason   `gorm:"type:varchar(20)"`
	NotBefore      *time.Time           `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RequestModel) TableName() string {
	return "requests"
}

// OutcomeModel is append-only; rows are never updated.
type OutcomeModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	RequestID         string               `gorm:"type:uuid;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(16);not null"`
	Status            domain.OutcomeStatus `gorm:"type:varchar(24);not null"`
	Reason            *string              `gorm:"type:varchar(64)"`
	Error             *string              `gorm:"type:text"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	RetryNotBefore    *time.Time           `gorm:"type:timestamptz"`
	Timestamp         time.Time            `gorm:"type:timestamptz;not null"`
}

func (OutcomeModel) TableName() string {
	return "delivery_outcomes"
}

type ConsentModel struct {
	RecipientID string               `gorm:"type:varchar(128);primaryKey"`
	Category    domain.Category      `gorm:"type:varchar(20);primaryKey"`
	Channel     domain.Channel       `gorm:"type:varchar(16);primaryKey"`
	Status      domain.ConsentStatus `gorm:"type:varchar(16);not null"`
	ExpiresAt   *time.Time           `gorm:"type:timestamptz"`
	UpdatedAt   time.Time
}

func (ConsentModel) TableName() string {
	return "consent_records"
}

type RecipientModel struct {
	ID        string                    `gorm:"type:varchar(128);primaryKey"`
	Timezone  string                    `gorm:"type:varchar(64)"`
	Contacts  map[domain.Channel]string `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RecipientModel) TableName() string {
	return "recipients"
}

type BucketModel struct {
	ID          string              `gorm:"type:uuid;primaryKey"`
	RecipientID string              `gorm:"type:varchar(128);not null"`
	EventType   string              `gorm:"type:varchar(64);not null"`
	TargetID    string              `gorm:"type:varchar(128)"`
	State       domain.BucketState  `gorm:"type:varchar(16);not null"`
	EventCount  int                 `gorm:"not null"`
	Events      []domain.ActorEvent `gorm:"type:jsonb;serializer:json"`
	OpenedAt    time.Time           `gorm:"type:timestamptz"`
	ClosedAt    *time.Time          `gorm:"type:timestamptz"`
}

func (BucketModel) TableName() string {
	return "batch_buckets"
}

func requestModelFromDomain(rec *domain.RequestRecord) *RequestModel {
	if rec == nil {
		return nil
	}

	r := rec.Request
	return &RequestModel{
		ID:             r.ID,
		CorrelationID:  r.CorrelationID,
		RecipientID:    r.RecipientID,
		Category:       r.Category,
		Priority:       r.Priority,
		Channels:       r.Channels,
		RoutingMode:    r.RoutingMode,
		IdempotencyKey: optionalString(r.IdempotencyKey),
		Payload:        r.Payload,
		EventType:      r.EventType,
		TargetID:       r.TargetID,
		TargetType:     r.TargetType,
		ActorID:        r.ActorID,
		ActorName:      r.ActorName,
		BatchID:        optionalString(r.BatchID),
		Status:         rec.Status,
		DeferReason:    rec.DeferReason,
		NotBefore:      rec.NotBefore,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func requestModelToDomain(m *RequestModel) *domain.RequestRecord {
	if m == nil {
		return nil
	}

	return &domain.RequestRecord{
		Request: domain.NotificationRequest{
			ID:             m.ID,
			CorrelationID:  m.CorrelationID,
			RecipientID:    m.RecipientID,
			Category:       m.Category,
			Priority:       m.Priority,
			Channels:       m.Channels,
			RoutingMode:    m.RoutingMode,
			IdempotencyKey: derefString(m.IdempotencyKey),
			Payload:        m.Payload,
			EventType:      m.EventType,
			TargetID:       m.TargetID,
			TargetType:     m.TargetType,
			ActorID:        m.ActorID,
			ActorName:      m.ActorName,
			BatchID:        derefString(m.BatchID),
			CreatedAt:      m.CreatedAt,
		},
		Status:      m.Status,
		DeferReason: m.DeferReason,
		NotBefore:   m.NotBefore,
		UpdatedAt:   m.UpdatedAt,
	}
}

func outcomeModelFromDomain(o *domain.DeliveryOutcome) *OutcomeModel {
	if o == nil {
		return nil
	}

	return &OutcomeModel{
		ID:                o.ID,
		RequestID:         o.RequestID,
		Channel:           o.Channel,
		Status:            o.Status,
		Reason:            optionalString(o.Reason),
		Error:             optionalString(o.Error),
		ProviderMessageID: optionalString(o.ProviderMessageID),
		RetryNotBefore:    o.RetryNotBefore,
		Timestamp:         o.Timestamp,
	}
}

func outcomeModelToDomain(m *OutcomeModel) *domain.DeliveryOutcome {
	if m == nil {
		return nil
	}

	return &domain.DeliveryOutcome{
		ID:                m.ID,
		RequestID:         m.RequestID,
		Channel:           m.Channel,
		Status:            m.Status,
		Reason:            derefString(m.Reason),
		Error:             derefString(m.Error),
		ProviderMessageID: derefString(m.ProviderMessageID),
		RetryNotBefore:    m.RetryNotBefore,
		Timestamp:         m.Timestamp,
	}
}

func consentModelFromDomain(c *domain.ConsentRecord) *ConsentModel {
	if c == nil {
		return nil
	}

	return &ConsentModel{
		RecipientID: c.RecipientID,
		Category:    c.Category,
		Channel:     c.Channel,
		Status:      c.Status,
		ExpiresAt:   c.ExpiresAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func consentModelToDomain(m *ConsentModel) *domain.ConsentRecord {
	if m == nil {
		return nil
	}

	return &domain.ConsentRecord{
		RecipientID: m.RecipientID,
		Category:    m.Category,
		Channel:     m.Channel,
		Status:      m.Status,
		ExpiresAt:   m.ExpiresAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func recipientModelFromDomain(r *domain.Recipient) *RecipientModel {
	if r == nil {
		return nil
	}

	return &RecipientModel{
		ID:       r.ID,
		Timezone: r.Timezone,
		Contacts: r.Contacts,
	}
}

func recipientModelToDomain(m *RecipientModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	return &domain.Recipient{
		ID:       m.ID,
		Timezone: m.Timezone,
		Contacts: m.Contacts,
	}
}

func bucketModelFromDomain(b *domain.BatchBucket) *BucketModel {
	if b == nil {
		return nil
	}

	return &BucketModel{
		ID:          b.ID,
		RecipientID: b.RecipientID,
		EventType:   b.EventType,
		TargetID:    b.TargetID,
		State:       b.State,
		EventCount:  len(b.Events),
		Events:      b.Events,
		OpenedAt:    b.OpenedAt,
		ClosedAt:    b.ClosedAt,
	}
}

func bucketModelToDomain(m *BucketModel) *domain.BatchBucket {
	if m == nil {
		return nil
	}

	return &domain.BatchBucket{
		ID:          m.ID,
		RecipientID: m.RecipientID,
		EventType:   m.EventType,
		TargetID:    m.TargetID,
		OpenedAt:    m.OpenedAt,
		Events:      m.Events,
		State:       m.State,
		ClosedAt:    m.ClosedAt,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
