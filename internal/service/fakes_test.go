package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/provider"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
)

type memRecipients struct {
	mu   sync.Mutex
	byID map[string]domain.Recipient
	err  error
}

func newMemRecipients(rs ...domain.Recipient) *memRecipients {
	m := &memRecipients{byID: make(map[string]domain.Recipient)}
	for _, r := range rs {
		m.byID[r.ID] = r
	}
	return m
}

func (m *memRecipients) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *memRecipients) Upsert(ctx context.Context, r *domain.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = *r
	return nil
}

type memRequests struct {
	mu      sync.Mutex
	records map[string]domain.RequestRecord
	upserts int

	upsertFn       func(rec *domain.RequestRecord) error
	markRequeuedFn func(id string) (bool, error)
}

func newMemRequests() *memRequests {
	return &memRequests{records: make(map[string]domain.RequestRecord)}
}

func (m *memRequests) Upsert(ctx context.Context, rec *domain.RequestRecord) error {
	if m.upsertFn != nil {
		if err := m.upsertFn(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.records[rec.Request.ID] = *rec
	return nil
}

func (m *memRequests) GetByID(ctx context.Context, id string) (*domain.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memRequests) GetDueDeferred(ctx context.Context, now time.Time, limit int) ([]domain.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.RequestRecord
	for _, rec := range m.records {
		if rec.Status == domain.StatusDeferred && rec.NotBefore != nil && !rec.NotBefore.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(*due[j].NotBefore) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memRequests) MarkRequeued(ctx context.Context, id string) (bool, error) {
	if m.markRequeuedFn != nil {
		return m.markRequeuedFn(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != domain.StatusDeferred {
		return false, nil
	}
	rec.Status = domain.StatusRequeued
	m.records[id] = rec
	return true, nil
}

func (m *memRequests) status(id string) domain.RequestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Status
}

type memOutcomes struct {
	mu       sync.Mutex
	outcomes []domain.DeliveryOutcome
	err      error
}

func (m *memOutcomes) Append(ctx context.Context, outcomes []domain.DeliveryOutcome) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
	return nil
}

func (m *memOutcomes) ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryOutcome
	for _, o := range m.outcomes {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOutcomes) all() []domain.DeliveryOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeliveryOutcome(nil), m.outcomes...)
}

type consentKey struct {
	recipientID string
	category    domain.Category
	channel     domain.Channel
}

type memConsents struct {
	mu      sync.Mutex
	records map[consentKey]domain.ConsentRecord
}

func newMemConsents() *memConsents {
	return &memConsents{records: make(map[consentKey]domain.ConsentRecord)}
}

func (m *memConsents) GetConsent(ctx context.Context, recipientID string, category domain.Category, channel domain.Channel) (*domain.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[consentKey{recipientID, category, channel}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memConsents) Upsert(ctx context.Context, rec *domain.ConsentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[consentKey{rec.RecipientID, rec.Category, rec.Channel}] = *rec
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	queues    []string
	publishFn func(ctx context.Context, queueName string, msg queue.Message) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.Message) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.queues = append(f.queues, queueName)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) messages() []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Message(nil), f.published...)
}

type fakeConsumer struct {
	mu        sync.Mutex
	queues    []string
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	f.mu.Lock()
	f.queues = append(f.queues, queueName)
	f.mu.Unlock()
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeDispatcher struct {
	dispatchFn func(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
	if f.dispatchFn == nil {
		return &domain.DispatchResult{RequestID: req.ID, Status: domain.StatusSent}, nil
	}
	return f.dispatchFn(ctx, req)
}

type fakeInbound struct {
	applyFn func(ctx context.Context, ev domain.InboundEvent) (*InboundResult, error)
}

func (f *fakeInbound) ApplyInboundEvent(ctx context.Context, ev domain.InboundEvent) (*InboundResult, error) {
	if f.applyFn == nil {
		return &InboundResult{Type: ev.Type}, nil
	}
	return f.applyFn(ctx, ev)
}

type fakeCanceler struct {
	mu    sync.Mutex
	calls [][2]string
	n     int
}

func (f *fakeCanceler) CancelTarget(ctx context.Context, recipientID, targetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{recipientID, targetID})
	return f.n
}

// sendLog records sender invocations across channels in call order.
type sendLog struct {
	mu       sync.Mutex
	calls    []domain.Channel
	messages []provider.Message
}

func (l *sendLog) sender(ch domain.Channel, fn func(msg provider.Message) (*provider.Receipt, error)) provider.ChannelSender {
	return provider.SenderFunc(func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
		l.mu.Lock()
		l.calls = append(l.calls, ch)
		l.messages = append(l.messages, msg)
		l.mu.Unlock()
		return fn(msg)
	})
}

func (l *sendLog) called() []domain.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Channel(nil), l.calls...)
}

func (l *sendLog) sent() []provider.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]provider.Message(nil), l.messages...)
}

func okSend(msg provider.Message) (*provider.Receipt, error) {
	return &provider.Receipt{ProviderMessageID: "pm-" + string(msg.Channel), StatusCode: 202}, nil
}

func failSend(err error) func(provider.Message) (*provider.Receipt, error) {
	return func(provider.Message) (*provider.Receipt, error) { return nil, err }
}
