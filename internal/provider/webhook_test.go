package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

func testMessage() Message {
	return Message{
		RequestID:      "req-1",
		RecipientID:    "u1",
		Channel:        domain.ChannelSMS,
		Contact:        "+905551112233",
		Category:       domain.CategoryTransactional,
		Payload:        map[string]any{"code": "123456"},
		IdempotencyKey: "otp-u1-1700000000",
	}
}

func TestWebhookSenderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody webhookRequest
	var gotPath, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("X-Message-ID", "provider-msg-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL+"/", domain.ChannelSMS)
	if err != nil {
		t.Fatalf("NewWebhookSender() error = %v", err)
	}

	receipt, err := sender.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if receipt.StatusCode != http.StatusAccepted {
		t.Fatalf("StatusCode = %d, want %d", receipt.StatusCode, http.StatusAccepted)
	}
	if receipt.ProviderMessageID != "provider-msg-1" {
		t.Fatalf("ProviderMessageID = %q, want %q", receipt.ProviderMessageID, "provider-msg-1")
	}
	if gotPath != "/sms" {
		t.Fatalf("path = %q, want /sms", gotPath)
	}
	if gotKey != "otp-u1-1700000000" {
		t.Fatalf("Idempotency-Key = %q", gotKey)
	}
	if gotBody.To != "+905551112233" || gotBody.Channel != "sms" || gotBody.RequestID != "req-1" {
		t.Fatalf("request body = %+v", gotBody)
	}
	if gotBody.Payload["code"] != "123456" {
		t.Fatalf("payload = %v", gotBody.Payload)
	}
}

func TestWebhookSenderMissingContactSkipsCall(t *testing.T) {
	t.Parallel()

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, domain.ChannelSMS)
	if err != nil {
		t.Fatalf("NewWebhookSender() error = %v", err)
	}

	msg := testMessage()
	msg.Contact = " "
	_, err = sender.Send(context.Background(), msg)
	if ReasonOf(err) != domain.ReasonMissingContactInfo {
		t.Fatalf("ReasonOf() = %q, want %q", ReasonOf(err), domain.ReasonMissingContactInfo)
	}
	if called {
		t.Fatal("provider should not be called without a contact")
	}
}

func TestWebhookSenderStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantReason    string
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantReason: domain.ReasonProviderError, wantTransient: true},
		{name: "bad request is invalid recipient", statusCode: http.StatusBadRequest, wantReason: domain.ReasonInvalidRecipient},
		{name: "gone is invalid recipient", statusCode: http.StatusGone, wantReason: domain.ReasonInvalidRecipient},
		{name: "unauthorized is permanent provider error", statusCode: http.StatusUnauthorized, wantReason: domain.ReasonProviderError},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantReason: domain.ReasonProviderError, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("provider failed"))
			}))
			defer server.Close()

			sender, err := NewWebhookSender(server.URL, domain.ChannelSMS)
			if err != nil {
				t.Fatalf("NewWebhookSender() error = %v", err)
			}

			_, err = sender.Send(context.Background(), testMessage())
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("expected SendError, got %T", err)
			}
			if sendErr.StatusCode != tc.statusCode {
				t.Fatalf("SendError.StatusCode = %d, want %d", sendErr.StatusCode, tc.statusCode)
			}
			if sendErr.Reason != tc.wantReason {
				t.Fatalf("SendError.Reason = %q, want %q", sendErr.Reason, tc.wantReason)
			}
		})
	}
}

func TestWebhookSenderTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	sender, err := NewWebhookSenderWithClient(server.URL, domain.ChannelEmail, client)
	if err != nil {
		t.Fatalf("NewWebhookSenderWithClient() error = %v", err)
	}

	msg := testMessage()
	msg.Channel = domain.ChannelEmail
	msg.Contact = "jane@example.com"
	if _, err = sender.Send(context.Background(), msg); err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestNewWebhookSendersBuildsEveryChannel(t *testing.T) {
	t.Parallel()

	senders, err := NewWebhookSenders("http://relay.local", nil)
	if err != nil {
		t.Fatalf("NewWebhookSenders() error = %v", err)
	}
	for _, ch := range domain.Channels {
		if _, ok := senders.Get(ch); !ok {
			t.Fatalf("missing sender for %s", ch)
		}
	}

	if _, err := NewWebhookSenders("not a url", nil); err == nil {
		t.Fatal("expected invalid url error")
	}
}
