package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindInboundEvent MessageKind = "inbound_event"
)

// Source records why a request entered the queue.
type Source string

const (
	SourceAPI     Source = "api"
	SourceDigest  Source = "digest"
	SourceRequeue Source = "requeue"
)

// Message is the broker payload. Exactly one of Request and Event is set,
// matching Kind.
type Message struct {
	Kind          MessageKind                 `json:"kind"`
	Source        Source                      `json:"source,omitempty"`
	CorrelationID string                      `json:"correlationId,omitempty"`
	Request       *domain.NotificationRequest `json:"request,omitempty"`
	Event         *domain.InboundEvent        `json:"event,omitempty"`
}

func NewRequestMessage(req domain.NotificationRequest, source Source) Message {
	return Message{
		Kind:          KindRequest,
		Source:        source,
		CorrelationID: req.CorrelationID,
		Request:       &req,
	}
}

func NewInboundMessage(ev domain.InboundEvent, correlationID string) Message {
	return Message{
		Kind:          KindInboundEvent,
		CorrelationID: correlationID,
		Event:         &ev,
	}
}

// ID is used as the AMQP message id.
func (m Message) ID() string {
	switch {
	case m.Request != nil:
		return m.Request.ID
	case m.Event != nil:
		return m.Event.ProviderMessageID
	}
	return ""
}

func (m Message) Priority() domain.Priority {
	if m.Request != nil {
		return m.Request.Priority
	}
	return domain.PriorityMedium
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.Request == nil || m.Event != nil {
			return fmt.Errorf("request message must carry only a request")
		}
		if strings.TrimSpace(m.Request.ID) == "" {
			return fmt.Errorf("request id is required")
		}
		if strings.TrimSpace(m.Request.RecipientID) == "" {
			return fmt.Errorf("recipientId is required")
		}
	case KindInboundEvent:
		if m.Event == nil || m.Request != nil {
			return fmt.Errorf("inbound message must carry only an event")
		}
		if !m.Event.Type.IsValid() {
			return fmt.Errorf("invalid inbound event type %q", m.Event.Type)
		}
	default:
		return fmt.Errorf("invalid message kind %q", m.Kind)
	}
	return nil
}
