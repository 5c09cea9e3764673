package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

func newTestInbound(t *testing.T, canceler TargetCanceler) (*InboundService, *memConsents, *memOutcomes, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	consents, outcomes := newMemConsents(), &memOutcomes{}
	s, err := NewInboundService(consents, outcomes, canceler, zap.New(core))
	if err != nil {
		t.Fatalf("NewInboundService() error = %v", err)
	}
	s.now = func() time.Time { return noon }
	s.newID = func() string { return "out-1" }
	return s, consents, outcomes, logs
}

func TestInboundOptOutUpdatesConsent(t *testing.T) {
	t.Parallel()

	s, consents, _, logs := newTestInbound(t, nil)
	res, err := s.ApplyInboundEvent(context.Background(), domain.InboundEvent{
		Type:        domain.InboundOptedOut,
		RecipientID: "u1",
		Channel:     domain.ChannelSMS,
		Category:    domain.CategoryMarketing,
	})
	if err != nil {
		t.Fatalf("ApplyInboundEvent() error = %v", err)
	}
	if !res.ConsentUpdated {
		t.Fatal("consent should be updated")
	}

	rec, err := consents.GetConsent(context.Background(), "u1", domain.CategoryMarketing, domain.ChannelSMS)
	if err != nil {
		t.Fatalf("GetConsent() error = %v", err)
	}
	if rec.Status != domain.ConsentOptedOut || !rec.UpdatedAt.Equal(noon) {
		t.Fatalf("consent = %+v, want opted_out at noon", rec)
	}
	if logs.FilterMessage("consent updated from inbound event").Len() != 1 {
		t.Fatal("expected consent update log entry")
	}
}

func TestInboundDeliveryEventsAppendOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		eventType  domain.InboundEventType
		wantStatus domain.OutcomeStatus
		wantReason string
	}{
		{name: "delivered", eventType: domain.InboundDelivered, wantStatus: domain.OutcomeSent},
		{name: "bounced", eventType: domain.InboundBounced, wantStatus: domain.OutcomeFailed, wantReason: "bounced"},
		{name: "failed", eventType: domain.InboundFailed, wantStatus: domain.OutcomeFailed, wantReason: "failed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _, outcomes, _ := newTestInbound(t, nil)
			res, err := s.ApplyInboundEvent(context.Background(), domain.InboundEvent{
				Type:              tt.eventType,
				RequestID:         "r1",
				Channel:           domain.ChannelEmail,
				ProviderMessageID: "pm-1",
				Detail:            "mailbox full",
			})
			if err != nil {
				t.Fatalf("ApplyInboundEvent() error = %v", err)
			}
			if !res.OutcomeRecorded {
				t.Fatal("outcome should be recorded")
			}

			stored, _ := outcomes.ListByRequestID(context.Background(), "r1")
			if len(stored) != 1 {
				t.Fatalf("stored outcomes = %d, want 1", len(stored))
			}
			got := stored[0]
			if got.Status != tt.wantStatus || got.Reason != tt.wantReason || got.ProviderMessageID != "pm-1" {
				t.Fatalf("outcome = %+v, want %s/%q", got, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestInboundOpenedCancelsBatches(t *testing.T) {
	t.Parallel()

	canceler := &fakeCanceler{n: 2}
	s, _, _, _ := newTestInbound(t, canceler)

	res, err := s.ApplyInboundEvent(context.Background(), domain.InboundEvent{
		Type:        domain.InboundOpened,
		RecipientID: "u1",
		TargetID:    "post-1",
	})
	if err != nil {
		t.Fatalf("ApplyInboundEvent() error = %v", err)
	}
	if res.BucketsCanceled != 2 {
		t.Fatalf("BucketsCanceled = %d, want 2", res.BucketsCanceled)
	}
	if len(canceler.calls) != 1 || canceler.calls[0] != [2]string{"u1", "post-1"} {
		t.Fatalf("cancel calls = %v", canceler.calls)
	}
}

func TestInboundRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	s, _, outcomes, _ := newTestInbound(t, nil)
	_, err := s.ApplyInboundEvent(context.Background(), domain.InboundEvent{Type: domain.InboundBounced})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ApplyInboundEvent() error = %v, want ErrValidation", err)
	}
	if len(outcomes.all()) != 0 {
		t.Fatal("invalid event should not write outcomes")
	}
}

func TestInboundStoreErrorPropagates(t *testing.T) {
	t.Parallel()

	s, _, outcomes, _ := newTestInbound(t, nil)
	outcomes.err = errors.New("db down")

	_, err := s.ApplyInboundEvent(context.Background(), domain.InboundEvent{
		Type:      domain.InboundDelivered,
		RequestID: "r1",
		Channel:   domain.ChannelPush,
	})
	if err == nil || errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ApplyInboundEvent() error = %v, want store error", err)
	}
}
