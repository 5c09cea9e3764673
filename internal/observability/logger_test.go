package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_LevelMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		level        string
		debugEnabled bool
	}{
		{name: "debug level", level: "debug", debugEnabled: true},
		{name: "warn level", level: "WARN", debugEnabled: false},
		{name: "empty level defaults to info", level: "", debugEnabled: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tc.level, "dispatch-orchestrator")
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.debugEnabled {
				t.Fatalf("debug enabled=%v, want=%v", got, tc.debugEnabled)
			}
		})
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("not-a-level", "")
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if logger != nil {
		t.Fatal("expected nil logger for invalid level")
	}
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := WithRequestID(WithCorrelationID(context.Background(), "cid-123"), "req-1")

	if got, ok := CorrelationIDFromContext(ctx); !ok || got != "cid-123" {
		t.Fatalf("CorrelationIDFromContext() = (%q, %v), want (cid-123, true)", got, ok)
	}
	if got, ok := RequestIDFromContext(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestIDFromContext() = (%q, %v), want (req-1, true)", got, ok)
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected request id to be missing")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	ctx := WithRequestID(WithCorrelationID(context.Background(), "cid-789"), "req-9")

	WithContextLogger(zap.New(core), ctx).Info("dispatching")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlationId"] != "cid-789" {
		t.Fatalf("correlationId=%v, want=%q", fields["correlationId"], "cid-789")
	}
	if fields["requestId"] != "req-9" {
		t.Fatalf("requestId=%v, want=%q", fields["requestId"], "req-9")
	}
}

func TestWithContextLogger_NoIDs(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	WithContextLogger(zap.New(core), context.Background()).Info("plain")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}
	if len(entries[0].ContextMap()) != 0 {
		t.Fatalf("context fields=%v, want none", entries[0].ContextMap())
	}
}

func TestWithContextLogger_NilLogger(t *testing.T) {
	t.Parallel()

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}
