package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/compliance-ledger/backend/internal/prediction"
)

type PredictionsHandler struct {
	service     *prediction.Service
	defaultDays int
}

func NewPredictionsHandler(service *prediction.Service, defaultDays int) *PredictionsHandler {
	if defaultDays <= 0 {
		defaultDays = prediction.DefaultHorizonDays
	}
	return &PredictionsHandler{service: service, defaultDays: defaultDays}
}

// Predict runs the engine for one project. dependency_chain_length and
// team_workload override the resolved defaults when given.
func (h *PredictionsHandler) Predict(c *fiber.Ctx) error {
	projectID := c.Query("project_id")
	if projectID == "" {
		return fail(c, fiber.StatusBadRequest, "project_id is required")
	}

	days := c.QueryInt("days_ahead", h.defaultDays)
	if days <= 0 || days > 365 {
		return fail(c, fiber.StatusBadRequest, "days_ahead must be between 1 and 365")
	}

	var opts prediction.Options
	if s := c.Query("dependency_chain_length"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fail(c, fiber.StatusBadRequest, "dependency_chain_length must be a non-negative integer")
		}
		opts.DependencyChainLength = &n
	}
	if s := c.Query("team_workload"); s != "" {
		w, err := strconv.ParseFloat(s, 64)
		if err != nil || w < 0 || w > 1 {
			return fail(c, fiber.StatusBadRequest, "team_workload must be between 0 and 1")
		}
		opts.TeamWorkload = &w
	}

	res, err := h.service.Predict(c.UserContext(), projectID, days, opts)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

func (h *PredictionsHandler) Latest(c *fiber.Ctx) error {
	projectID := c.Query("project_id")
	if projectID == "" {
		return fail(c, fiber.StatusBadRequest, "project_id is required")
	}
	preds, err := h.service.Latest(c.UserContext(), projectID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"project_id":  projectID,
		"predictions": preds,
	})
}
