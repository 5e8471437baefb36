package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/compliance-ledger/backend/internal/analytics"
)

type AnalyticsHandler struct {
	aggregator *analytics.Aggregator
}

func NewAnalyticsHandler(aggregator *analytics.Aggregator) *AnalyticsHandler {
	return &AnalyticsHandler{aggregator: aggregator}
}

func (h *AnalyticsHandler) Summary(c *fiber.Ctx) error {
	window := c.QueryInt("window", analytics.DefaultWindowDays)
	if window <= 0 || window > 365 {
		return fail(c, fiber.StatusBadRequest, "window must be between 1 and 365 days")
	}

	summary, err := h.aggregator.Summary(c.UserContext(), analytics.SummaryQuery{
		ProjectID:  c.Query("project_id", "all"),
		Regulation: c.Query("regulation"),
		WindowDays: window,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(summary)
}

func (h *AnalyticsHandler) Health(c *fiber.Ctx) error {
	health, err := h.aggregator.Health(c.UserContext(), c.Query("scope", "all"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(health)
}
