package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/audit"
	"github.com/compliance-ledger/backend/internal/ingestion"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// writeError maps domain errors onto HTTP statuses. Validation failures carry
// the per-field problems so callers can fix the payload.
func writeError(c *fiber.Ctx, err error) error {
	var verr *ingestion.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "validation failed",
			"fields":  verr.Fields,
		})
	case errors.Is(err, models.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "not found")
	case errors.Is(err, audit.ErrRunInProgress):
		return fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, models.ErrStorage):
		logger.Error("Storage failure", zap.String("path", c.Path()), zap.Error(err))
		c.Set(fiber.HeaderRetryAfter, "1")
		return fail(c, fiber.StatusServiceUnavailable, "storage unavailable, retry later")
	case errors.Is(err, ingestion.ErrNoExtractor):
		return fail(c, fiber.StatusServiceUnavailable, err.Error())
	}

	logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	return fail(c, fiber.StatusInternalServerError, "internal error")
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}
