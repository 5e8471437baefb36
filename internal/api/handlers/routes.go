package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Handlers groups everything mounted under /api/v1.
type Handlers struct {
	Events       *EventsHandler
	Analytics    *AnalyticsHandler
	Predictions  *PredictionsHandler
	Audit        *AuditHandler
	Dependencies *DependenciesHandler
	WebSocket    *WebSocketHandler
	System       *SystemHandler
}

func Register(api fiber.Router, h Handlers) {
	api.Post("/events", h.Events.Ingest)
	api.Get("/events", h.Events.List)
	api.Patch("/events/:id/status", h.Events.UpdateStatus)
	api.Post("/messages", h.Events.IngestMessage)

	api.Get("/summary", h.Analytics.Summary)
	api.Get("/health/compliance", h.Analytics.Health)

	api.Get("/predictions", h.Predictions.Predict)
	api.Get("/predictions/latest", h.Predictions.Latest)

	api.Post("/audit/runs", h.Audit.Run)
	api.Get("/audit/records", h.Audit.Records)
	api.Get("/audit/verify", h.Audit.Verify)

	api.Post("/projects/:id/dependencies", h.Dependencies.Add)
	api.Get("/projects/:id/dependencies", h.Dependencies.List)

	if h.WebSocket != nil {
		api.Get("/ws/alerts", h.WebSocket.Upgrade, websocket.New(h.WebSocket.HandleConnection))
	}

	api.Get("/health", h.System.Health)
	api.Get("/ready", h.System.Ready)
}
