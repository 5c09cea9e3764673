package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/service"
)

type NotificationService interface {
	Submit(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error)
	Enqueue(ctx context.Context, req domain.NotificationRequest) (*domain.RequestRecord, error)
	Get(ctx context.Context, id string) (*service.RequestView, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SubmitNotification)
	v1.Get("/notifications/:id", h.GetNotification)

	return nil
}

type createNotificationRequest struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlationId"`
	RecipientID    string         `json:"recipientId"`
	Category       string         `json:"category"`
	Priority       string         `json:"priority"`
	Channels       []string       `json:"channels"`
	RoutingMode    string         `json:"routingMode"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
	EventType      string         `json:"eventType"`
	TargetID       string         `json:"targetId"`
	TargetType     string         `json:"targetType"`
	ActorID        string         `json:"actorId"`
	ActorName      string         `json:"actorName"`
}

type outcomeResponse struct {
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	RetryNotBefore    *time.Time `json:"retryNotBefore,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

type dispatchResponse struct {
	RequestID   string            `json:"requestId"`
	Status      string            `json:"status"`
	DeferReason string            `json:"deferReason,omitempty"`
	NotBefore   *time.Time        `json:"notBefore,omitempty"`
	Cached      bool              `json:"cached,omitempty"`
	Outcomes    []outcomeResponse `json:"outcomes"`
}

type requestResponse struct {
	ID             string            `json:"id"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	RecipientID    string            `json:"recipientId"`
	Category       string            `json:"category"`
	Priority       string            `json:"priority"`
	Channels       []string          `json:"channels"`
	RoutingMode    string            `json:"routingMode"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	BatchID        string            `json:"batchId,omitempty"`
	Status         string            `json:"status"`
	DeferReason    string            `json:"deferReason,omitempty"`
	NotBefore      *time.Time        `json:"notBefore,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Outcomes       []outcomeResponse `json:"outcomes,omitempty"`
}

// SubmitNotification dispatches synchronously, or queues the request when
// called with ?async=true.
func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var body createNotificationRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	req, err := requestToDomain(body, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}
	ctx := requestContext(c, req.CorrelationID)

	if c.QueryBool("async") {
		rec, err := h.service.Enqueue(ctx, req)
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(toRequestResponse(rec, nil))
	}

	result, err := h.service.Submit(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if result.Status == domain.StatusDeferred {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(toDispatchResponse(result))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	view, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toRequestResponse(view.Record, view.Outcomes))
}

func requestToDomain(body createNotificationRequest, fallbackCorrelationID string) (domain.NotificationRequest, error) {
	category, err := domain.ParseCategoryFromString(body.Category)
	if err != nil {
		return domain.NotificationRequest{}, err
	}
	priority, err := domain.ParsePriorityFromString(body.Priority)
	if err != nil {
		return domain.NotificationRequest{}, err
	}
	mode, err := domain.ParseRoutingModeFromString(body.RoutingMode)
	if err != nil {
		return domain.NotificationRequest{}, err
	}

	channels := make([]domain.Channel, 0, len(body.Channels))
	for _, raw := range body.Channels {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return domain.NotificationRequest{}, err
		}
		channels = append(channels, ch)
	}

	correlationID := strings.TrimSpace(body.CorrelationID)
	if correlationID == "" {
		correlationID = fallbackCorrelationID
	}

	return domain.NotificationRequest{
		ID:             strings.TrimSpace(body.ID),
		CorrelationID:  correlationID,
		RecipientID:    strings.TrimSpace(body.RecipientID),
		Category:       category,
		Priority:       priority,
		Channels:       channels,
		RoutingMode:    mode,
		IdempotencyKey: strings.TrimSpace(body.IdempotencyKey),
		Payload:        body.Payload,
		EventType:      strings.TrimSpace(body.EventType),
		TargetID:       strings.TrimSpace(body.TargetID),
		TargetType:     strings.TrimSpace(body.TargetType),
		ActorID:        strings.TrimSpace(body.ActorID),
		ActorName:      strings.TrimSpace(body.ActorName),
	}, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestContext carries the correlation id into services and their logs.
func requestContext(c *fiber.Ctx, correlationID string) context.Context {
	ctx := c.UserContext()
	if correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	return ctx
}

func toOutcomeResponses(outcomes []domain.DeliveryOutcome) []outcomeResponse {
	responses := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		responses = append(responses, outcomeResponse{
			Channel:           o.Channel.String(),
			Status:            o.Status.String(),
			Reason:            o.Reason,
			Error:             o.Error,
			ProviderMessageID: o.ProviderMessageID,
			RetryNotBefore:    o.RetryNotBefore,
			Timestamp:         o.Timestamp,
		})
	}
	return responses
}

func toDispatchResponse(r *domain.DispatchResult) dispatchResponse {
	if r == nil {
		return dispatchResponse{}
	}
	return dispatchResponse{
		RequestID:   r.RequestID,
		Status:      r.Status.String(),
		DeferReason: string(r.DeferReason),
		NotBefore:   r.NotBefore,
		Cached:      r.Cached,
		Outcomes:    toOutcomeResponses(r.Outcomes),
	}
}

func toRequestResponse(rec *domain.RequestRecord, outcomes []domain.DeliveryOutcome) requestResponse {
	if rec == nil {
		return requestResponse{}
	}

	channels := make([]string, 0, len(rec.Request.Channels))
	for _, ch := range rec.Request.Channels {
		channels = append(channels, ch.String())
	}

	resp := requestResponse{
		ID:             rec.Request.ID,
		CorrelationID:  rec.Request.CorrelationID,
		RecipientID:    rec.Request.RecipientID,
		Category:       rec.Request.Category.String(),
		Priority:       rec.Request.Priority.String(),
		Channels:       channels,
		RoutingMode:    rec.Request.RoutingMode.String(),
		IdempotencyKey: rec.Request.IdempotencyKey,
		BatchID:        rec.Request.BatchID,
		Status:         rec.Status.String(),
		DeferReason:    string(rec.DeferReason),
		NotBefore:      rec.NotBefore,
		CreatedAt:      rec.Request.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if outcomes != nil {
		resp.Outcomes = toOutcomeResponses(outcomes)
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
