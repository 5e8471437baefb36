package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/ingestion"
	"github.com/compliance-ledger/backend/internal/middleware/validation"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/logger"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type EventLister interface {
	QueryEvents(ctx context.Context, q sqlite.EventQuery) ([]models.Event, error)
}

type EventsHandler struct {
	processor *ingestion.Processor
	events    EventLister
}

func NewEventsHandler(processor *ingestion.Processor, events EventLister) *EventsHandler {
	return &EventsHandler{
		processor: processor,
		events:    events,
	}
}

func ingestResponse(c *fiber.Ctx, res *ingestion.Result) error {
	status := fiber.StatusCreated
	if res.Duplicate || res.Skipped {
		status = fiber.StatusOK
	}
	body := fiber.Map{
		"success":   true,
		"duplicate": res.Duplicate,
	}
	if res.Skipped {
		body["skipped"] = true
	} else {
		body["event_id"] = res.EventID
		body["event"] = res.Event
	}
	return c.Status(status).JSON(body)
}

// Ingest accepts one event as JSON or form data.
func (h *EventsHandler) Ingest(c *fiber.Ctx) error {
	res, err := h.processor.Ingest(c.UserContext(), c.Get(fiber.HeaderContentType), c.Body())
	if err != nil {
		return writeError(c, err)
	}
	return ingestResponse(c, res)
}

// IngestMessage classifies a raw chat message and ingests the result.
func (h *EventsHandler) IngestMessage(c *fiber.Ctx) error {
	var msg ingestion.Message
	if err := c.BodyParser(&msg); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if parsed, ok := c.Locals(validation.MessageLocal).(map[string]interface{}); ok {
		if text, ok := parsed["text"].(string); ok {
			msg.Text = text
		}
	}

	res, err := h.processor.ProcessMessage(c.UserContext(), msg)
	if err != nil {
		var verr *ingestion.ValidationError
		if errors.As(err, &verr) || errors.Is(err, models.ErrStorage) || errors.Is(err, ingestion.ErrNoExtractor) {
			return writeError(c, err)
		}
		logger.Warn("Message extraction failed",
			zap.String("channel_id", msg.ChannelID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
		return fail(c, fiber.StatusBadGateway, "extraction service unavailable")
	}
	return ingestResponse(c, res)
}

func (h *EventsHandler) UpdateStatus(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid event id")
	}

	var req struct {
		Status string `json:"status" form:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}

	event, err := h.processor.UpdateStatus(c.UserContext(), id, req.Status)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"event":   event,
	})
}

// List returns events in creation order, filtered by query parameters.
func (h *EventsHandler) List(c *fiber.Ctx) error {
	q := sqlite.EventQuery{
		ProjectID:  c.Query("project_id"),
		Regulation: c.Query("regulation"),
		Limit:      c.QueryInt("limit", defaultListLimit),
	}
	if q.Limit <= 0 || q.Limit > maxListLimit {
		return fail(c, fiber.StatusBadRequest, "limit must be between 1 and 1000")
	}

	if s := c.Query("status"); s != "" {
		st, ok := models.ParseStatus(s)
		if !ok {
			return fail(c, fiber.StatusBadRequest, "invalid status")
		}
		q.Status = st
	}

	var err error
	if q.From, err = parseTimeParam(c.Query("from")); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid from")
	}
	if q.To, err = parseTimeParam(c.Query("to")); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid to")
	}

	events, err := h.events.QueryEvents(c.UserContext(), q)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"events": events,
		"count":  len(events),
	})
}

// parseTimeParam accepts RFC3339 or a bare date. Empty means unbounded.
func parseTimeParam(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(models.DateLayout, s, time.UTC)
}
