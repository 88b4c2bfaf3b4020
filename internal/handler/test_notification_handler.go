package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/provider"
)

// TokenResolver looks up the caller's registered push token.
type TokenResolver interface {
	TokenFor(ctx context.Context, userID string) (string, error)
}

// TestNotificationHandler sends a one-off push to the caller's own device so
// mobile clients can verify their token registration end to end. The send
// bypasses the delivery ledger; nothing about it is retried or escalated.
type TestNotificationHandler struct {
	devices TokenResolver
	push    provider.Provider
}

func NewTestNotificationHandler(devices TokenResolver, push provider.Provider) (*TestNotificationHandler, error) {
	if devices == nil {
		return nil, fmt.Errorf("token resolver is required")
	}
	return &TestNotificationHandler{devices: devices, push: push}, nil
}

func RegisterTestNotificationRoutes(router fiber.Router, devices TokenResolver, push provider.Provider) error {
	h, err := NewTestNotificationHandler(devices, push)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications/test", h.SendTestNotification)

	return nil
}

func (h *TestNotificationHandler) SendTestNotification(c *fiber.Ctx) error {
	if h.push == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "push delivery is not configured")
	}

	actor := auth.ActorFromContext(c)
	token, err := h.devices.TokenFor(c.Context(), actor)
	if errors.Is(err, domain.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no device token registered")
	}
	if err != nil {
		return toHTTPError(err)
	}

	msg := provider.Message{
		AlertID:    "test-" + actor,
		FileNumber: "TEST",
		TestName:   "Test Notification",
		Value:      "This is a test notification",
		Severity:   domain.SeverityLow,
	}
	if _, err := h.push.Send(c.Context(), token, msg); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to send test notification")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "test notification sent",
	})
}
