package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/domain"
	"go.uber.org/zap"
)

func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		} else {
			switch {
			case errors.Is(err, domain.ErrValidation):
				code = fiber.StatusBadRequest
			case errors.Is(err, domain.ErrNotFound):
				code = fiber.StatusNotFound
			case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
				code = fiber.StatusConflict
			}
		}

		logger.Error("request error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		)

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
