package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
)

const (
	DefaultWindow          = 5 * time.Minute
	DefaultMaxEvents       = 50
	DefaultFlushRetryDelay = 30 * time.Second

	flushTimeout = 30 * time.Second
	// maxFlushAttempts bounds digest hand-off before the bucket is marked failed.
	maxFlushAttempts = 3
)

// Flush triggers, also used as metric labels.
const (
	TriggerWindow   = "window"
	TriggerCount    = "count"
	TriggerShutdown = "shutdown"
)

// DefaultBatchableTypes are grouped into digests when priority allows it.
var DefaultBatchableTypes = []string{"like", "comment", "follow", "mention", "share", "reply", "low_priority_alert"}

// DefaultBypassTypes are never grouped regardless of priority.
var DefaultBypassTypes = []string{"otp", "password_reset", "security_alert", "order_confirmation"}

// SubmitResult tells the caller whether it still owns the send.
type SubmitResult int

const (
	ImmediateSend SubmitResult = iota + 1
	Queued
)

func (r SubmitResult) String() string {
	switch r {
	case ImmediateSend:
		return "immediate_send"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// FlushFunc receives the summarized request produced for a bucket.
type FlushFunc func(ctx context.Context, req domain.NotificationRequest) error

// BucketStore persists closed buckets for audit. Optional.
type BucketStore interface {
	SaveBucket(ctx context.Context, bucket domain.BatchBucket) error
}

type Config struct {
	Window         time.Duration
	MaxEvents      int
	BatchableTypes []string
	BypassTypes    []string
	// FlushRetryDelay spaces hand-off attempts after a failed flush.
	FlushRetryDelay time.Duration
}

// Timer is the subset of *time.Timer the aggregator needs.
type Timer interface {
	Stop() bool
}

// Aggregator groups low-priority activity per (recipient, event type, target)
// and emits one digest per bucket when its window elapses or it fills up.
type Aggregator struct {
	cfg       Config
	batchable map[string]struct{}
	bypass    map[string]struct{}
	flush     FlushFunc
	store     BucketStore
	metrics   *observability.Metrics
	logger    *zap.Logger

	now       func() time.Time
	newID     func() string
	afterFunc func(d time.Duration, f func()) Timer

	buckets  sync.Map // key string -> *bucket
	retrying sync.Map // bucket id -> *pendingFlush
}

// pendingFlush is a digest whose hand-off failed and is waiting for another attempt.
type pendingFlush struct {
	bucket   *bucket
	req      domain.NotificationRequest
	events   int
	trigger  string
	attempts int
}

type bucket struct {
	mu    sync.Mutex
	data  domain.BatchBucket
	timer Timer
}

func NewAggregator(cfg Config, flush FlushFunc, store BucketStore, metrics *observability.Metrics, logger *zap.Logger) (*Aggregator, error) {
	if flush == nil {
		return nil, errors.New("flush func is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.FlushRetryDelay <= 0 {
		cfg.FlushRetryDelay = DefaultFlushRetryDelay
	}
	if cfg.BatchableTypes == nil {
		cfg.BatchableTypes = DefaultBatchableTypes
	}
	if cfg.BypassTypes == nil {
		cfg.BypassTypes = DefaultBypassTypes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		cfg:       cfg,
		batchable: typeSet(cfg.BatchableTypes),
		bypass:    typeSet(cfg.BypassTypes),
		flush:     flush,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// Batchable reports whether an event of this type and priority would be grouped.
func (a *Aggregator) Batchable(eventType string, priority domain.Priority) bool {
	if priority != domain.PriorityLow && priority != domain.PriorityMedium {
		return false
	}
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if _, ok := a.bypass[eventType]; ok {
		return false
	}
	_, ok := a.batchable[eventType]
	return ok
}

// Submit appends ev to its bucket or reports that the caller should send it now.
func (a *Aggregator) Submit(ctx context.Context, ev domain.ActorEvent) (SubmitResult, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	if !a.Batchable(ev.EventType, ev.Priority) {
		return ImmediateSend, nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now().UTC()
	}

	key := ev.Key()
	mapKey := key.String()

	for {
		actual, ok := a.buckets.Load(mapKey)
		if !ok {
			actual, _ = a.buckets.LoadOrStore(mapKey, a.newBucket(key))
		}
		b := actual.(*bucket)

		b.mu.Lock()
		if b.data.State != domain.BucketOpen {
			// Lost the race to a flush or cancel; open a fresh bucket.
			b.mu.Unlock()
			a.buckets.CompareAndDelete(mapKey, b)
			continue
		}

		b.data.Events = append(b.data.Events, ev)

		if len(b.data.Events) == 1 {
			b.data.OpenedAt = ev.OccurredAt
			b.timer = a.afterFunc(a.cfg.Window, func() {
				a.flushBucket(context.Background(), mapKey, b, TriggerWindow)
			})
		}

		if len(b.data.Events) < a.cfg.MaxEvents {
			b.mu.Unlock()
			return Queued, nil
		}

		snapshot, ok := a.beginFlushLocked(b)
		b.mu.Unlock()
		if ok {
			a.buckets.CompareAndDelete(mapKey, b)
			a.finishFlush(ctx, b, snapshot, TriggerCount)
		}
		return Queued, nil
	}
}

// CancelTarget discards every open bucket for recipientID and targetID.
// A bucket whose flush already started is left alone and still sends.
func (a *Aggregator) CancelTarget(ctx context.Context, recipientID, targetID string) int {
	recipientID = strings.TrimSpace(recipientID)
	targetID = strings.TrimSpace(targetID)

	canceled := 0
	a.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)

		b.mu.Lock()
		if b.data.RecipientID != recipientID || b.data.TargetID != targetID || b.data.State != domain.BucketOpen {
			b.mu.Unlock()
			return true
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		closedAt := a.now().UTC()
		b.data.State = domain.BucketCanceled
		b.data.ClosedAt = &closedAt
		snapshot := cloneBucket(b.data)
		b.mu.Unlock()

		a.buckets.CompareAndDelete(k, b)
		a.save(ctx, snapshot)
		canceled++
		return true
	})

	a.metrics.AddBatchCanceled(canceled)
	if canceled > 0 {
		a.logger.Info("batch buckets canceled on engagement",
			zap.String("recipientId", recipientID),
			zap.String("targetId", targetID),
			zap.Int("count", canceled),
		)
	}
	return canceled
}

// FlushAll flushes every open bucket synchronously, and makes a last attempt
// for digests waiting on a retry. Used on shutdown.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.buckets.Range(func(k, v any) bool {
		a.flushBucket(ctx, k.(string), v.(*bucket), TriggerShutdown)
		return true
	})
	a.retrying.Range(func(k, _ any) bool {
		if v, ok := a.retrying.LoadAndDelete(k); ok {
			p := v.(*pendingFlush)
			p.bucket.mu.Lock()
			if p.bucket.timer != nil {
				p.bucket.timer.Stop()
			}
			p.bucket.mu.Unlock()
			p.trigger = TriggerShutdown
			a.deliver(ctx, p)
		}
		return true
	})
}

// Retrying returns the number of digests waiting for another hand-off attempt.
func (a *Aggregator) Retrying() int {
	n := 0
	a.retrying.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Open returns the number of buckets still accepting events.
func (a *Aggregator) Open() int {
	n := 0
	a.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.data.State == domain.BucketOpen {
			n++
		}
		b.mu.Unlock()
		return true
	})
	return n
}

func (a *Aggregator) flushBucket(ctx context.Context, mapKey string, b *bucket, trigger string) {
	b.mu.Lock()
	snapshot, ok := a.beginFlushLocked(b)
	b.mu.Unlock()
	if !ok {
		return
	}

	a.buckets.CompareAndDelete(mapKey, b)
	a.finishFlush(ctx, b, snapshot, trigger)
}

// beginFlushLocked moves an open bucket to flushing. Callers hold b.mu.
func (a *Aggregator) beginFlushLocked(b *bucket) (domain.BatchBucket, bool) {
	if b.data.State != domain.BucketOpen {
		return domain.BatchBucket{}, false
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.data.State = domain.BucketFlushing
	return cloneBucket(b.data), true
}

func (a *Aggregator) finishFlush(ctx context.Context, b *bucket, snapshot domain.BatchBucket, trigger string) {
	logger := a.logger.With(
		zap.String("bucketId", snapshot.ID),
		zap.String("bucketKey", snapshot.Key().String()),
		zap.String("trigger", trigger),
	)

	if len(snapshot.Events) == 0 {
		a.close(ctx, b, domain.BucketCanceled)
		logger.Debug("empty batch bucket discarded")
		return
	}

	a.deliver(ctx, &pendingFlush{
		bucket:  b,
		req:     a.digest(snapshot),
		events:  len(snapshot.Events),
		trigger: trigger,
	})
}

// deliver hands the digest to the flush func. A failed hand-off keeps the
// bucket flushing and re-arms its timer; once attempts run out, or on
// shutdown, the bucket is closed as failed so the store never reports a
// digest that was not sent.
func (a *Aggregator) deliver(ctx context.Context, p *pendingFlush) {
	p.attempts++
	b := p.bucket
	logger := a.logger.With(
		zap.String("bucketId", p.req.BatchID),
		zap.String("digestRequestId", p.req.ID),
		zap.String("trigger", p.trigger),
		zap.Int("attempt", p.attempts),
	)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	err := a.flush(flushCtx, p.req)
	cancel()

	if err == nil {
		a.metrics.IncBatchFlush(p.trigger)
		logger.Info("batch flushed",
			zap.Int("events", p.events),
			zap.Int("actors", payloadInt(p.req.Payload, "actorCount")),
		)
		a.close(ctx, b, domain.BucketFlushed)
		return
	}

	if p.trigger != TriggerShutdown && p.attempts < maxFlushAttempts {
		logger.Warn("batch flush failed, retrying",
			zap.Duration("retryIn", a.cfg.FlushRetryDelay),
			zap.Error(err),
		)
		id := p.req.BatchID
		b.mu.Lock()
		a.retrying.Store(id, p)
		b.timer = a.afterFunc(a.cfg.FlushRetryDelay, func() {
			if _, ok := a.retrying.LoadAndDelete(id); ok {
				a.deliver(context.Background(), p)
			}
		})
		b.mu.Unlock()
		return
	}

	logger.Error("batch digest not delivered",
		zap.Int("events", p.events),
		zap.Error(fmt.Errorf("%w: digest for bucket %s dropped after %d attempts: %v", domain.ErrInvariant, p.req.BatchID, p.attempts, err)),
	)
	a.close(ctx, b, domain.BucketFailed)
}

func (a *Aggregator) close(ctx context.Context, b *bucket, state domain.BucketState) {
	b.mu.Lock()
	if b.data.State != domain.BucketFlushing {
		current := b.data.State
		b.mu.Unlock()
		a.logger.Error("batch bucket closed twice",
			zap.String("bucketId", b.data.ID),
			zap.String("state", current.String()),
			zap.Error(fmt.Errorf("%w: bucket %s already %s", domain.ErrInvariant, b.data.ID, current)),
		)
		return
	}
	closedAt := a.now().UTC()
	b.data.State = state
	b.data.ClosedAt = &closedAt
	snapshot := cloneBucket(b.data)
	b.mu.Unlock()

	a.save(ctx, snapshot)
}

func (a *Aggregator) save(ctx context.Context, snapshot domain.BatchBucket) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveBucket(context.WithoutCancel(ctx), snapshot); err != nil {
		a.logger.Warn("failed to persist batch bucket", zap.String("bucketId", snapshot.ID), zap.Error(err))
	}
}

// digest builds the summarized request. The first event supplies routing fields.
func (a *Aggregator) digest(b domain.BatchBucket) domain.NotificationRequest {
	first := b.Events[0]
	names := distinctActorNames(b.Events)

	payload := make(map[string]any, len(first.Payload)+6)
	for k, v := range first.Payload {
		payload[k] = v
	}
	summary := Summarize(b.EventType, first.TargetType, names)
	if summary == "" {
		summary = SummarizeCount(b.EventType, first.TargetType, len(b.Events))
	}
	payload["summary"] = summary
	payload["actors"] = names
	payload["actorCount"] = len(names)
	payload["eventCount"] = len(b.Events)
	payload["eventType"] = b.EventType
	payload["targetId"] = b.TargetID

	return domain.NotificationRequest{
		ID:             a.newID(),
		RecipientID:    b.RecipientID,
		Category:       first.Category,
		Priority:       first.Priority,
		Channels:       append([]domain.Channel(nil), first.Channels...),
		RoutingMode:    first.RoutingMode,
		IdempotencyKey: "batch-" + b.ID,
		Payload:        payload,
		EventType:      b.EventType,
		TargetID:       b.TargetID,
		TargetType:     first.TargetType,
		BatchID:        b.ID,
		CreatedAt:      a.now().UTC(),
	}
}

func (a *Aggregator) newBucket(key domain.BucketKey) *bucket {
	return &bucket{
		data: domain.BatchBucket{
			ID:          a.newID(),
			RecipientID: key.RecipientID,
			EventType:   key.EventType,
			TargetID:    key.TargetID,
			State:       domain.BucketOpen,
		},
	}
}

func distinctActorNames(events []domain.ActorEvent) []string {
	seen := make(map[string]struct{}, len(events))
	names := make([]string, 0, len(events))
	for _, ev := range events {
		key := ev.ActorKey()
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		name := strings.TrimSpace(ev.ActorName)
		if name == "" {
			name = key
		}
		names = append(names, name)
	}
	return names
}

func cloneBucket(b domain.BatchBucket) domain.BatchBucket {
	out := b
	out.Events = append([]domain.ActorEvent(nil), b.Events...)
	if b.ClosedAt != nil {
		closedAt := *b.ClosedAt
		out.ClosedAt = &closedAt
	}
	return out
}

func typeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func payloadInt(payload map[string]any, key string) int {
	v, _ := payload[key].(int)
	return v
}
