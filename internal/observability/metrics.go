package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch_orchestrator"

// Metrics holds the Prometheus collectors used across the API, the
// orchestrator and the background workers. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	requestsTotal       *prometheus.CounterVec
	outcomesTotal       *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	throttleDenied      *prometheus.CounterVec
	batchFlushes        *prometheus.CounterVec
	batchCanceled       prometheus.Counter
	ledgerHits          *prometheus.CounterVec
	workerInflight      prometheus.Gauge
	deferredRequeued    prometheus.Counter
	sweptEntries        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Notification requests by final status.",
			},
			[]string{"status"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_outcomes_total",
				Help:      "Per-channel delivery outcomes by status and reason.",
			},
			[]string{"channel", "status", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "channel_send_duration_seconds",
				Help:      "Channel sender duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		throttleDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_denied_total",
				Help:      "Channel attempts skipped by the throttle guard.",
			},
			[]string{"channel"},
		),
		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_flushes_total",
				Help:      "Digest flushes grouped by trigger (window, count, shutdown).",
			},
			[]string{"trigger"},
		),
		batchCanceled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_canceled_total",
				Help:      "Batch buckets discarded because the recipient engaged with the target.",
			},
		),
		ledgerHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_lookups_total",
				Help:      "Idempotency ledger lookups grouped by resulting state.",
			},
			[]string{"state"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of requests being processed by queue workers.",
			},
		),
		deferredRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_requeued_total",
				Help:      "Deferred requests handed back to the work queue.",
			},
		),
		sweptEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_entries_total",
				Help:      "Expired in-memory entries removed by background sweeps.",
			},
			[]string{"store"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.requestsTotal,
		m.outcomesTotal,
		m.sendDuration,
		m.throttleDenied,
		m.batchFlushes,
		m.batchCanceled,
		m.ledgerHits,
		m.workerInflight,
		m.deferredRequeued,
		m.sweptEntries,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncRequest(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncOutcome(channel, status, reason string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(status), reasonLabel(reason)).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel)).Observe(seconds)
}

func (m *Metrics) IncThrottleDenied(channel string) {
	if m == nil {
		return
	}
	m.throttleDenied.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncBatchFlush(trigger string) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(normalizeLabel(trigger)).Inc()
}

func (m *Metrics) AddBatchCanceled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchCanceled.Add(float64(n))
}

func (m *Metrics) IncLedgerLookup(state string) {
	if m == nil {
		return
	}
	m.ledgerHits.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) IncDeferredRequeued() {
	if m == nil {
		return
	}
	m.deferredRequeued.Inc()
}

func (m *Metrics) AddSwept(store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptEntries.WithLabelValues(normalizeLabel(store)).Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// reasonLabel keeps an empty reason distinct from an unknown one, since
// sent outcomes carry no reason.
func reasonLabel(reason string) string {
	normalized := strings.ToLower(strings.TrimSpace(reason))
	if normalized == "" {
		return "none"
	}
	return normalized
}
