package repository

import (
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

func TestRequestModelMapping(t *testing.T) {
	t.Parallel()

	notBefore := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	rec := &domain.RequestRecord{
		Request: domain.NotificationRequest{
			ID:          "req-1",
			RecipientID: "u1",
			Category:    domain.CategoryGrowth,
			Priority:    domain.PriorityMedium,
			Channels:    []domain.Channel{domain.ChannelPush},
			RoutingMode: domain.RoutingSingle,
			Payload:     map[string]any{"title": "hi"},
		},
		Status:      domain.StatusDeferred,
		DeferReason: domain.DeferQuietHours,
		NotBefore:   &notBefore,
	}

	model := requestModelFromDomain(rec)
	if model.IdempotencyKey != nil || model.BatchID != nil {
		t.Fatalf("empty optional fields should map to NULL, got key=%v batch=%v", model.IdempotencyKey, model.BatchID)
	}

	back := requestModelToDomain(model)
	if back.Request.ID != "req-1" || back.Status != domain.StatusDeferred || back.DeferReason != domain.DeferQuietHours {
		t.Fatalf("round trip = %+v", back)
	}
	if back.NotBefore == nil || !back.NotBefore.Equal(notBefore) {
		t.Fatalf("NotBefore = %v, want %v", back.NotBefore, notBefore)
	}
}

func TestOutcomeModelMapping(t *testing.T) {
	t.Parallel()

	model := outcomeModelFromDomain(&domain.DeliveryOutcome{
		ID:        "o1",
		RequestID: "req-1",
		Channel:   domain.ChannelEmail,
		Status:    domain.OutcomeSent,
	})
	if model.Reason != nil || model.Error != nil || model.ProviderMessageID != nil {
		t.Fatalf("sent outcome should store NULL reason/error/provider id: %+v", model)
	}

	back := outcomeModelToDomain(model)
	if back.Reason != "" || back.Status != domain.OutcomeSent {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestBucketModelMappingCountsEvents(t *testing.T) {
	t.Parallel()

	model := bucketModelFromDomain(&domain.BatchBucket{
		ID:     "b1",
		State:  domain.BucketFlushed,
		Events: []domain.ActorEvent{{ActorName: "Jane"}, {ActorName: "Bob"}},
	})
	if model.EventCount != 2 {
		t.Fatalf("EventCount = %d, want 2", model.EventCount)
	}
	if got := bucketModelToDomain(model); len(got.Events) != 2 || got.State != domain.BucketFlushed {
		t.Fatalf("round trip = %+v", got)
	}
}
