package provider

import (
	"context"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// ChannelSender delivers one rendered message over a single channel.
type ChannelSender interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// Message is what a sender receives for one channel attempt.
type Message struct {
	RequestID      string
	RecipientID    string
	Channel        domain.Channel
	Contact        string
	Category       domain.Category
	Payload        map[string]any
	IdempotencyKey string
}

// Receipt is the provider acknowledgement kept on the outcome.
type Receipt struct {
	ProviderMessageID string
	StatusCode        int
}

// Senders maps each channel to its adapter.
type Senders map[domain.Channel]ChannelSender

func (s Senders) Get(channel domain.Channel) (ChannelSender, bool) {
	sender, ok := s[channel]
	return sender, ok && sender != nil
}

// SenderFunc adapts a function to ChannelSender.
type SenderFunc func(ctx context.Context, msg Message) (*Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (*Receipt, error) {
	return f(ctx, msg)
}
