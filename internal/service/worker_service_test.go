package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
	"go.uber.org/zap"
)

func TestNewWorkerServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewWorkerService(nil, &fakeDispatcher{}, &fakeInbound{}, 1, nil); err == nil {
		t.Fatal("expected error when consumer is nil")
	}
	if _, err := NewWorkerService(&fakeConsumer{}, nil, &fakeInbound{}, 1, nil); err == nil {
		t.Fatal("expected error when dispatcher is nil")
	}
	if _, err := NewWorkerService(&fakeConsumer{}, &fakeDispatcher{}, nil, 1, nil); err == nil {
		t.Fatal("expected error when inbound applier is nil")
	}
}

func TestWorkerServiceProcessRequestMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "success acks", err: nil},
		{name: "validation error acks", err: fmt.Errorf("%w: bad channel", domain.ErrValidation)},
		{name: "in flight acks", err: fmt.Errorf("%w: busy", domain.ErrConflict)},
		{name: "store error nacks", err: errors.New("db down"), wantErr: true},
		{name: "invariant nacks", err: fmt.Errorf("%w: corrupt ledger", domain.ErrInvariant), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotCorrelation string
			dispatcher := &fakeDispatcher{
				dispatchFn: func(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
					gotCorrelation, _ = observability.CorrelationIDFromContext(ctx)
					if req.ID != "r1" {
						t.Fatalf("request id = %q, want r1", req.ID)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return &domain.DispatchResult{RequestID: req.ID, Status: domain.StatusSent}, nil
				},
			}
			worker, err := NewWorkerService(&fakeConsumer{}, dispatcher, &fakeInbound{}, 1, zap.NewNop())
			if err != nil {
				t.Fatalf("NewWorkerService() error = %v", err)
			}

			msg := queue.NewRequestMessage(domain.NotificationRequest{ID: "r1", RecipientID: "u1", CorrelationID: "c-1"}, queue.SourceAPI)
			err = worker.processMessage(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("processMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if gotCorrelation != "c-1" {
				t.Fatalf("correlation id = %q, want c-1", gotCorrelation)
			}
		})
	}
}

func TestWorkerServiceProcessInboundMessage(t *testing.T) {
	t.Parallel()

	var applied []domain.InboundEventType
	inbound := &fakeInbound{
		applyFn: func(ctx context.Context, ev domain.InboundEvent) (*InboundResult, error) {
			applied = append(applied, ev.Type)
			if ev.Type == domain.InboundBounced {
				return nil, errors.New("db down")
			}
			if ev.Type == domain.InboundOptedIn {
				return nil, fmt.Errorf("%w: category required", domain.ErrValidation)
			}
			return &InboundResult{Type: ev.Type}, nil
		},
	}
	dispatcher := &fakeDispatcher{
		dispatchFn: func(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
			t.Fatal("dispatcher should not be called for inbound events")
			return nil, nil
		},
	}
	worker, err := NewWorkerService(&fakeConsumer{}, dispatcher, inbound, 1, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	worker.SetMetrics(observability.NewMetrics())

	opened := queue.NewInboundMessage(domain.InboundEvent{Type: domain.InboundOpened, RecipientID: "u1", TargetID: "p1"}, "")
	if err := worker.processMessage(context.Background(), opened); err != nil {
		t.Fatalf("processMessage(opened) error = %v", err)
	}
	invalid := queue.NewInboundMessage(domain.InboundEvent{Type: domain.InboundOptedIn, RecipientID: "u1"}, "")
	if err := worker.processMessage(context.Background(), invalid); err != nil {
		t.Fatalf("processMessage(invalid) error = %v, want ack", err)
	}
	bounced := queue.NewInboundMessage(domain.InboundEvent{Type: domain.InboundBounced, RequestID: "r1", Channel: domain.ChannelEmail}, "")
	if err := worker.processMessage(context.Background(), bounced); err == nil {
		t.Fatal("processMessage(bounced) should return the store error")
	}
	if len(applied) != 3 {
		t.Fatalf("applied = %v, want 3 events", applied)
	}
}

func TestWorkerServiceStartCoversEveryQueue(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{}
	worker, err := NewWorkerService(consumer, &fakeDispatcher{}, &fakeInbound{}, 1, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	// Wait for both consumers to register, then stop.
	for {
		consumer.mu.Lock()
		n := len(consumer.queues)
		consumer.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := append([]string(nil), consumer.queues...)
	sort.Strings(got)
	if got[0] != queue.InboundQueue || got[1] != queue.RequestsQueue {
		t.Fatalf("consumed queues = %v", got)
	}
}

func TestWorkerServiceStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			if queueName == queue.InboundQueue {
				return errors.New("broker gone")
			}
			<-ctx.Done()
			return nil
		},
	}
	worker, err := NewWorkerService(consumer, &fakeDispatcher{}, &fakeInbound{}, 2, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("Start() should return the consumer error")
	}
}
