package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

// writeError maps a domain error to its status. Order matters: the delivery
// pipeline wraps not-found and not-participant inside a validation error.
func writeError(c *fiber.Ctx, err error) error {
	status, msg := classify(err)
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func classify(err error) (int, string) {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return fiber.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotParticipant):
		return fiber.StatusForbidden, domain.ErrNotParticipant.Error()
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, "not found"
	case errors.As(err, &ve):
		return fiber.StatusBadRequest, ve.Error()
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrPersistence):
		return fiber.StatusServiceUnavailable, "storage unavailable"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}
