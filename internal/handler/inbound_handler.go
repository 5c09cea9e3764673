package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/service"
)

type InboundApplier interface {
	ApplyInboundEvent(ctx context.Context, ev domain.InboundEvent) (*service.InboundResult, error)
}

// InboundHandler accepts provider callbacks and user events. With a
// publisher the event is queued for the workers; otherwise it is applied
// inline.
type InboundHandler struct {
	applier   InboundApplier
	publisher queue.Publisher
}

func NewInboundHandler(applier InboundApplier, publisher queue.Publisher) (*InboundHandler, error) {
	if applier == nil && publisher == nil {
		return nil, fmt.Errorf("inbound applier or publisher is required")
	}
	return &InboundHandler{applier: applier, publisher: publisher}, nil
}

func RegisterInboundRoutes(router fiber.Router, applier InboundApplier, publisher queue.Publisher) error {
	h, err := NewInboundHandler(applier, publisher)
	if err != nil {
		return err
	}

	router.Group("/v1").Post("/inbound-events", h.PostInboundEvent)
	return nil
}

type inboundEventRequest struct {
	Type              string     `json:"type"`
	RecipientID       string     `json:"recipientId"`
	RequestID         string     `json:"requestId"`
	Channel           string     `json:"channel"`
	Category          string     `json:"category"`
	TargetID          string     `json:"targetId"`
	ProviderMessageID string     `json:"providerMessageId"`
	Detail            string     `json:"detail"`
	OccurredAt        *time.Time `json:"occurredAt"`
}

type inboundAcceptedResponse struct {
	Type   string `json:"type"`
	Queued bool   `json:"queued"`
}

func (h *InboundHandler) PostInboundEvent(c *fiber.Ctx) error {
	var body inboundEventRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	ev := inboundToDomain(body)
	if err := ev.Validate(); err != nil {
		return toHTTPError(err)
	}

	correlationID := requestCorrelationID(c)
	ctx := requestContext(c, correlationID)

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, queue.InboundQueue, queue.NewInboundMessage(ev, correlationID)); err != nil {
			return fmt.Errorf("failed to queue inbound event: %w", err)
		}
		return c.Status(fiber.StatusAccepted).JSON(inboundAcceptedResponse{Type: string(ev.Type), Queued: true})
	}

	result, err := h.applier.ApplyInboundEvent(ctx, ev)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// inboundToDomain normalizes case without rejecting; Validate decides which
// fields the event type needs.
func inboundToDomain(body inboundEventRequest) domain.InboundEvent {
	ev := domain.InboundEvent{
		Type:              domain.InboundEventType(strings.ToLower(strings.TrimSpace(body.Type))),
		RecipientID:       strings.TrimSpace(body.RecipientID),
		RequestID:         strings.TrimSpace(body.RequestID),
		Channel:           domain.Channel(strings.ToLower(strings.TrimSpace(body.Channel))),
		Category:          domain.Category(strings.ToLower(strings.TrimSpace(body.Category))),
		TargetID:          strings.TrimSpace(body.TargetID),
		ProviderMessageID: strings.TrimSpace(body.ProviderMessageID),
		Detail:            body.Detail,
	}
	if body.OccurredAt != nil {
		ev.OccurredAt = body.OccurredAt.UTC()
	}
	return ev
}
