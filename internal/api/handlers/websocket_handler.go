package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// WebSocketHandler streams live alerts to dashboard clients.
type WebSocketHandler struct {
	hub *alerts.Hub
}

func NewWebSocketHandler(hub *alerts.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection forwards hub alerts until the client disconnects. An
// optional project_id query parameter filters the feed.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	project := c.Query("project_id")
	feed, unsubscribe := h.hub.Subscribe()

	logger.Info("Alert feed connected", zap.String("project_id", project))

	defer func() {
		unsubscribe()
		c.Close()
		logger.Info("Alert feed closed", zap.String("project_id", project))
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case a, ok := <-feed:
			if !ok {
				return
			}
			if project != "" && a.ProjectID != "" && a.ProjectID != project {
				continue
			}
			if err := h.send(c, "alert", a); err != nil {
				logger.Debug("Failed to write alert", zap.Error(err))
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType string, a alerts.Alert) error {
	return c.WriteJSON(map[string]interface{}{
		"type":  msgType,
		"alert": a,
	})
}
