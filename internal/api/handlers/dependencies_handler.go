package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/compliance-ledger/backend/internal/kg/neo4j"
)

type DependencyGraph interface {
	UpsertDependency(ctx context.Context, dep neo4j.Dependency) error
	Dependencies(ctx context.Context, projectID string) ([]neo4j.Dependency, error)
}

type DependenciesHandler struct {
	graph DependencyGraph
}

// NewDependenciesHandler accepts a nil graph; every call then answers 503.
func NewDependenciesHandler(graph DependencyGraph) *DependenciesHandler {
	return &DependenciesHandler{graph: graph}
}

func (h *DependenciesHandler) Add(c *fiber.Ctx) error {
	if h.graph == nil {
		return fail(c, fiber.StatusServiceUnavailable, "dependency graph disabled")
	}

	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		EventID int64  `json:"event_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.From == "" || req.To == "" || req.From == req.To {
		return fail(c, fiber.StatusBadRequest, "from and to are required and must differ")
	}

	dep := neo4j.Dependency{
		ProjectID: c.Params("id"),
		From:      req.From,
		To:        req.To,
		EventID:   req.EventID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.graph.UpsertDependency(c.UserContext(), dep); err != nil {
		return fail(c, fiber.StatusBadGateway, "dependency graph unavailable")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"dependency": dep,
	})
}

func (h *DependenciesHandler) List(c *fiber.Ctx) error {
	if h.graph == nil {
		return fail(c, fiber.StatusServiceUnavailable, "dependency graph disabled")
	}

	deps, err := h.graph.Dependencies(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadGateway, "dependency graph unavailable")
	}
	return c.JSON(fiber.Map{
		"project_id":    c.Params("id"),
		"dependencies":  deps,
		"longest_chain": neo4j.LongestChain(deps),
	})
}
