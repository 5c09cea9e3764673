package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// DirectoryService manages the recipient-side state that routing reads:
// contact details, timezones, consent and engagement.
type DirectoryService interface {
	UpsertConsent(ctx context.Context, rec domain.ConsentRecord) (*domain.ConsentRecord, error)
	UpsertRecipient(ctx context.Context, recipient domain.Recipient) (*domain.Recipient, error)
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	Engage(ctx context.Context, recipientID, targetID string) (int, error)
}

type DirectoryHandler struct {
	service DirectoryService
}

func NewDirectoryHandler(service DirectoryService) (*DirectoryHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("directory service is required")
	}
	return &DirectoryHandler{service: service}, nil
}

func RegisterDirectoryRoutes(router fiber.Router, service DirectoryService) error {
	h, err := NewDirectoryHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Put("/consents", h.PutConsent)
	v1.Put("/recipients/:id", h.PutRecipient)
	v1.Get("/recipients/:id", h.GetRecipient)
	v1.Post("/engagements", h.PostEngagement)

	return nil
}

type consentRequest struct {
	RecipientID string     `json:"recipientId"`
	Category    string     `json:"category"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type consentResponse struct {
	RecipientID string     `json:"recipientId"`
	Category    string     `json:"category"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type recipientRequest struct {
	Timezone string            `json:"timezone"`
	Contacts map[string]string `json:"contacts"`
}

type recipientResponse struct {
	ID       string            `json:"id"`
	Timezone string            `json:"timezone,omitempty"`
	Contacts map[string]string `json:"contacts"`
}

type engagementRequest struct {
	RecipientID string `json:"recipientId"`
	TargetID    string `json:"targetId"`
}

type engagementResponse struct {
	RecipientID     string `json:"recipientId"`
	TargetID        string `json:"targetId"`
	BucketsCanceled int    `json:"bucketsCanceled"`
}

func (h *DirectoryHandler) PutConsent(c *fiber.Ctx) error {
	var body consentRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	category, err := domain.ParseCategoryFromString(body.Category)
	if err != nil {
		return toHTTPError(err)
	}
	channel, err := domain.ParseChannelFromString(body.Channel)
	if err != nil {
		return toHTTPError(err)
	}
	status, err := domain.ParseConsentStatusFromString(body.Status)
	if err != nil {
		return toHTTPError(err)
	}

	rec, err := h.service.UpsertConsent(c.UserContext(), domain.ConsentRecord{
		RecipientID: strings.TrimSpace(body.RecipientID),
		Category:    category,
		Channel:     channel,
		Status:      status,
		ExpiresAt:   body.ExpiresAt,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(consentResponse{
		RecipientID: rec.RecipientID,
		Category:    rec.Category.String(),
		Channel:     rec.Channel.String(),
		Status:      rec.Status.String(),
		ExpiresAt:   rec.ExpiresAt,
		UpdatedAt:   rec.UpdatedAt,
	})
}

func (h *DirectoryHandler) PutRecipient(c *fiber.Ctx) error {
	var body recipientRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	contacts := make(map[domain.Channel]string, len(body.Contacts))
	for raw, address := range body.Contacts {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		contacts[ch] = strings.TrimSpace(address)
	}

	recipient, err := h.service.UpsertRecipient(c.UserContext(), domain.Recipient{
		ID:       c.Params("id"),
		Timezone: body.Timezone,
		Contacts: contacts,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toRecipientResponse(recipient))
}

func (h *DirectoryHandler) GetRecipient(c *fiber.Ctx) error {
	recipient, err := h.service.GetRecipient(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toRecipientResponse(recipient))
}

// PostEngagement cancels pending batches for a target the recipient has
// already seen.
func (h *DirectoryHandler) PostEngagement(c *fiber.Ctx) error {
	var body engagementRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	canceled, err := h.service.Engage(c.UserContext(), body.RecipientID, body.TargetID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(engagementResponse{
		RecipientID:     strings.TrimSpace(body.RecipientID),
		TargetID:        strings.TrimSpace(body.TargetID),
		BucketsCanceled: canceled,
	})
}

func toRecipientResponse(r *domain.Recipient) recipientResponse {
	contacts := make(map[string]string, len(r.Contacts))
	for ch, address := range r.Contacts {
		contacts[ch.String()] = address
	}
	return recipientResponse{ID: r.ID, Timezone: r.Timezone, Contacts: contacts}
}
