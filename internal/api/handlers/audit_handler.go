package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/compliance-ledger/backend/internal/audit"
)

type AuditHandler struct {
	builder *audit.Builder
	period  time.Duration
	now     func() time.Time
}

func NewAuditHandler(builder *audit.Builder, period time.Duration) *AuditHandler {
	return &AuditHandler{builder: builder, period: period, now: time.Now}
}

// Run chains the given UTC day, or the last complete period when no date is given.
func (h *AuditHandler) Run(c *fiber.Ctx) error {
	period := audit.PeriodFor(h.now(), h.period)
	if date := c.Query("date"); date != "" {
		p, err := audit.DayPeriod(date)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		period = p
	}

	result, err := h.builder.Run(c.UserContext(), period)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(result)
}

func (h *AuditHandler) Records(c *fiber.Ctx) error {
	records, err := h.builder.Records(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"records": records,
		"count":   len(records),
	})
}

// Verify walks the whole chain. A broken chain answers 409.
func (h *AuditHandler) Verify(c *fiber.Ctx) error {
	report, err := h.builder.VerifyChain(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	if !report.Valid {
		return c.Status(fiber.StatusConflict).JSON(report)
	}
	return c.JSON(report)
}
