package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	RequestID   string         `json:"requestId"`
	RecipientID string         `json:"recipientId"`
	To          string         `json:"to"`
	Channel     string         `json:"channel"`
	Category    string         `json:"category,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// WebhookSender posts messages to <baseURL>/<channel>. One instance serves
// one channel so each channel can point at its own relay.
type WebhookSender struct {
	client   *resty.Client
	endpoint string
	channel  domain.Channel
}

func NewWebhookSender(baseURL string, channel domain.Channel) (*WebhookSender, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookSenderWithClient(baseURL, channel, client)
}

func NewWebhookSenderWithClient(baseURL string, channel domain.Channel, client *resty.Client) (*WebhookSender, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("webhook base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid webhook base url: %w", err)
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries belong to RetryingSender so attempts are bounded in one place.
	client.SetRetryCount(0)

	return &WebhookSender{
		client:   client,
		endpoint: trimmed + "/" + channel.String(),
		channel:  channel,
	}, nil
}

// NewWebhookSenders builds one webhook sender per channel against the same base URL.
func NewWebhookSenders(baseURL string, client *resty.Client, channels ...domain.Channel) (Senders, error) {
	if client == nil {
		client = resty.New().SetTimeout(defaultWebhookTimeout)
	}
	if len(channels) == 0 {
		channels = domain.Channels
	}

	senders := make(Senders, len(channels))
	for _, ch := range channels {
		sender, err := NewWebhookSenderWithClient(baseURL, ch, client)
		if err != nil {
			return nil, err
		}
		senders[ch] = sender
	}
	return senders, nil
}

func (p *WebhookSender) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("sender is not initialized")
	}

	contact := strings.TrimSpace(msg.Contact)
	if contact == "" {
		return nil, MissingContact(p.channel)
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			RequestID:   msg.RequestID,
			RecipientID: msg.RecipientID,
			To:          contact,
			Channel:     p.channel.String(),
			Category:    msg.Category.String(),
			Payload:     msg.Payload,
		})
	if msg.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", msg.IdempotencyKey)
	}

	response, err := req.Post(p.endpoint)
	if err != nil {
		return nil, &SendError{
			Reason:    domain.ReasonProviderError,
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &SendError{
			Reason:    domain.ReasonProviderError,
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Receipt{
			ProviderMessageID: providerMessageID(response),
			StatusCode:        statusCode,
		}, nil
	}

	if isInvalidRecipientStatus(statusCode) {
		return nil, InvalidRecipient(statusCode, providerErrorMessage(statusCode, body))
	}

	return nil, &SendError{
		Reason:     domain.ReasonProviderError,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// Statuses a relay uses to reject the address itself rather than the request.
func isInvalidRecipientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
