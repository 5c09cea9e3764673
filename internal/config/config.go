package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/consent"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/provider"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/throttle"
)

const (
	StateBackendRedis  = "redis"
	StateBackendMemory = "memory"
)

var (
	defaultBatchEventTypes    = []string{"like", "comment", "follow", "low_priority_alert"}
	defaultCriticalEventTypes = []string{"otp", "password_reset", "security_alert"}
)

// environment holds the raw variables. List defaults contain commas, which
// go-env tags cannot express, so they are applied in Load.
type environment struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL"`
	WebhookBaseURL string `env:"WEBHOOK_BASE_URL,required=true"`
	StateBackend   string `env:"STATE_BACKEND,default=redis"`

	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`

	ThrottlePushPerHour  int `env:"THROTTLE_PUSH_PER_HOUR,default=10"`
	ThrottleEmailPerDay  int `env:"THROTTLE_EMAIL_PER_DAY,default=5"`
	ThrottleSMSPerDay    int `env:"THROTTLE_SMS_PER_DAY,default=3"`
	ThrottleInboxPerHour int `env:"THROTTLE_INBOX_PER_HOUR,default=30"`
	ThrottleChatPerHour  int `env:"THROTTLE_CHAT_PER_HOUR,default=10"`

	QuietHoursStart string `env:"QUIET_HOURS_START,default=22:00"`
	QuietHoursEnd   string `env:"QUIET_HOURS_END,default=08:00"`
	DefaultTimezone string `env:"DEFAULT_TIMEZONE,default=UTC"`

	BatchWindow     string `env:"BATCH_WINDOW,default=5m"`
	BatchMaxEvents  int    `env:"BATCH_MAX_EVENTS,default=50"`
	BatchEventTypes string `env:"BATCH_EVENT_TYPES"`

	CriticalEventTypes string `env:"CRITICAL_EVENT_TYPES"`

	IdempotencyTTL      string `env:"IDEMPOTENCY_TTL,default=24h"`
	LedgerSweepSchedule string `env:"LEDGER_SWEEP_SCHEDULE,default=@every 10m"`

	SendMaxAttempts int    `env:"SEND_MAX_ATTEMPTS,default=3"`
	SendRetryBase   string `env:"SEND_RETRY_BASE,default=1s"`
	SendRetryMax    string `env:"SEND_RETRY_MAX,default=30s"`

	ProviderRatePerSec int `env:"PROVIDER_RATE_PER_SEC,default=100"`

	DeferredScanInterval string `env:"DEFERRED_SCAN_INTERVAL,default=30s"`
	DeferredScanLimit    int    `env:"DEFERRED_SCAN_LIMIT,default=100"`
}

type Config struct {
	DatabaseDSN    string
	RabbitMQURL    string
	RedisURL       string
	WebhookBaseURL string
	// StateBackend selects where throttle counters, the idempotency ledger
	// and provider rate limits live.
	StateBackend string

	APIPort           int
	LogLevel          string
	WorkerConcurrency int

	ThrottleLimits  throttle.Limits
	QuietHours      consent.QuietHours
	DefaultTimezone string

	BatchWindow     time.Duration
	BatchMaxEvents  int
	BatchEventTypes []string

	CriticalEventTypes []string

	IdempotencyTTL      time.Duration
	LedgerSweepSchedule string

	SendRetry          provider.RetryPolicy
	ProviderRatePerSec int

	DeferredScanInterval time.Duration
	DeferredScanLimit    int
}

func Load() (*Config, error) {
	var raw environment
	_, err := env.UnmarshalFromEnviron(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := raw.parse()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (e environment) parse() (*Config, error) {
	backend := strings.ToLower(strings.TrimSpace(e.StateBackend))
	switch backend {
	case StateBackendRedis:
		if strings.TrimSpace(e.RedisURL) == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STATE_BACKEND=%s", StateBackendRedis)
		}
	case StateBackendMemory:
	default:
		return nil, fmt.Errorf("invalid STATE_BACKEND %q", e.StateBackend)
	}

	quiet, err := consent.ParseQuietHours(e.QuietHoursStart, e.QuietHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet hours: %w", err)
	}
	if _, err := time.LoadLocation(strings.TrimSpace(e.DefaultTimezone)); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", e.DefaultTimezone, err)
	}

	durations := map[string]string{
		"BATCH_WINDOW":           e.BatchWindow,
		"IDEMPOTENCY_TTL":        e.IdempotencyTTL,
		"SEND_RETRY_BASE":        e.SendRetryBase,
		"SEND_RETRY_MAX":         e.SendRetryMax,
		"DEFERRED_SCAN_INTERVAL": e.DeferredScanInterval,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid %s %q", name, value)
		}
		parsed[name] = d
	}

	return &Config{
		DatabaseDSN:       e.DatabaseDSN,
		RabbitMQURL:       e.RabbitMQURL,
		RedisURL:          e.RedisURL,
		WebhookBaseURL:    strings.TrimRight(strings.TrimSpace(e.WebhookBaseURL), "/"),
		StateBackend:      backend,
		APIPort:           e.APIPort,
		LogLevel:          e.LogLevel,
		WorkerConcurrency: e.WorkerConcurrency,
		ThrottleLimits: throttle.Limits{
			domain.ChannelPush:     {Count: e.ThrottlePushPerHour, Window: time.Hour},
			domain.ChannelEmail:    {Count: e.ThrottleEmailPerDay, Window: 24 * time.Hour},
			domain.ChannelSMS:      {Count: e.ThrottleSMSPerDay, Window: 24 * time.Hour},
			domain.ChannelInbox:    {Count: e.ThrottleInboxPerHour, Window: time.Hour},
			domain.ChannelSlack:    {Count: e.ThrottleChatPerHour, Window: time.Hour},
			domain.ChannelMSTeams:  {Count: e.ThrottleChatPerHour, Window: time.Hour},
			domain.ChannelWhatsApp: {Count: e.ThrottleChatPerHour, Window: time.Hour},
		},
		QuietHours:          quiet,
		DefaultTimezone:     strings.TrimSpace(e.DefaultTimezone),
		BatchWindow:         parsed["BATCH_WINDOW"],
		BatchMaxEvents:      e.BatchMaxEvents,
		BatchEventTypes:     splitList(e.BatchEventTypes, defaultBatchEventTypes),
		CriticalEventTypes:  splitList(e.CriticalEventTypes, defaultCriticalEventTypes),
		IdempotencyTTL:      parsed["IDEMPOTENCY_TTL"],
		LedgerSweepSchedule: strings.TrimSpace(e.LedgerSweepSchedule),
		SendRetry: provider.RetryPolicy{
			MaxAttempts: e.SendMaxAttempts,
			Base:        parsed["SEND_RETRY_BASE"],
			Max:         parsed["SEND_RETRY_MAX"],
			Jitter:      provider.DefaultRetryJitter,
		},
		ProviderRatePerSec:   e.ProviderRatePerSec,
		DeferredScanInterval: parsed["DEFERRED_SCAN_INTERVAL"],
		DeferredScanLimit:    e.DeferredScanLimit,
	}, nil
}

// splitList parses a comma separated variable, falling back when it is unset.
func splitList(value string, fallback []string) []string {
	if strings.TrimSpace(value) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
