package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/domain"
)

type DeviceRegistry interface {
	Register(ctx context.Context, userID, token string, at time.Time) error
	Unregister(ctx context.Context, userID string) error
}

type DeviceHandler struct {
	devices DeviceRegistry
	now     func() time.Time
}

func NewDeviceHandler(devices DeviceRegistry) (*DeviceHandler, error) {
	if devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	return &DeviceHandler{devices: devices, now: time.Now}, nil
}

func RegisterDeviceRoutes(router fiber.Router, devices DeviceRegistry) error {
	h, err := NewDeviceHandler(devices)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/devices", h.RegisterDevice)
	v1.Delete("/devices", h.UnregisterDevice)

	return nil
}

type registerDeviceRequest struct {
	Token string `json:"token"`
}

// RegisterDevice binds the caller's push token to their account, replacing any
// previously registered token.
func (h *DeviceHandler) RegisterDevice(c *fiber.Ctx) error {
	var req registerDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		return toHTTPError(fmt.Errorf("%w: token is required", domain.ErrValidation))
	}

	actor := auth.ActorFromContext(c)
	if err := h.devices.Register(c.Context(), actor, token, h.now().UTC()); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId": actor,
		"status": "registered",
	})
}

func (h *DeviceHandler) UnregisterDevice(c *fiber.Ctx) error {
	actor := auth.ActorFromContext(c)
	if err := h.devices.Unregister(c.Context(), actor); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId": actor,
		"status": "unregistered",
	})
}
