package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/internal/llm"
	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/pkg/id"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// ErrNoExtractor is returned by ProcessMessage when no extractor is configured.
var ErrNoExtractor = errors.New("no extractor configured")

type EventStore interface {
	InsertEvent(ctx context.Context, e *models.Event) (int64, bool, error)
	GetEvent(ctx context.Context, id int64) (*models.Event, error)
	UpdateEventStatus(ctx context.Context, id int64, status models.Status, at time.Time) (*models.Event, error)
}

type RollupRecomputer interface {
	Recompute(ctx context.Context, projectID string, day time.Time) (*models.DailyRollup, error)
}

// CacheInvalidator drops derived data cached for a project.
type CacheInvalidator interface {
	InvalidateProject(ctx context.Context, projectID string) error
}

type Processor struct {
	store       EventStore
	rollups     RollupRecomputer
	decoders    *Registry
	extractor   llm.Extractor
	notifier    alerts.Notifier
	cache       CacheInvalidator
	warningDays int
	now         func() time.Time
}

type Option func(*Processor)

func WithExtractor(x llm.Extractor) Option {
	return func(p *Processor) { p.extractor = x }
}

func WithNotifier(n alerts.Notifier, warningDays int) Option {
	return func(p *Processor) {
		p.notifier = n
		p.warningDays = warningDays
	}
}

func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(p *Processor) { p.cache = c }
}

func WithDecoders(r *Registry) Option {
	return func(p *Processor) { p.decoders = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(store EventStore, rollups RollupRecomputer, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		rollups:     rollups,
		decoders:    NewRegistry(),
		warningDays: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports the stored event. Duplicate is set when the event had been
// delivered before; Skipped when a message carried no compliance event.
type Result struct {
	EventID   int64         `json:"event_id,omitempty"`
	Duplicate bool          `json:"duplicate"`
	Skipped   bool          `json:"skipped,omitempty"`
	Event     *models.Event `json:"event,omitempty"`
}

// Ingest decodes body according to contentType, normalizes it and stores it.
// Validation failures return *ValidationError; persistence failures wrap
// models.ErrStorage and are safe to retry.
func (p *Processor) Ingest(ctx context.Context, contentType string, body []byte) (*Result, error) {
	start := time.Now()

	raw, encoding, err := p.decoders.Decode(contentType, body)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	res, err := p.IngestRaw(ctx, raw)
	metrics.IngestDuration.WithLabelValues(encoding).Observe(time.Since(start).Seconds())
	return res, err
}

// IngestRaw normalizes and stores an already decoded event.
func (p *Processor) IngestRaw(ctx context.Context, raw RawEvent) (*Result, error) {
	event, err := Normalize(raw, p.now())
	if err != nil {
		metrics.EventsIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}
	event.ID = id.New()

	eventID, created, err := p.store.InsertEvent(ctx, &event)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("error").Inc()
		logger.Error("Failed to store event",
			zap.String("channel_id", event.ChannelID),
			zap.String("source_message_id", event.SourceMessageID),
			zap.Error(err),
		)
		return nil, err
	}

	stored := &event
	if !created {
		stored, err = p.store.GetEvent(ctx, eventID)
		if err != nil {
			metrics.EventsIngested.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("load duplicate event %d: %w", eventID, err)
		}
	}

	// A redelivery also recomputes, so a rollup left stale by an earlier
	// failure converges.
	if _, err := p.rollups.Recompute(ctx, stored.ProjectID, stored.CreatedAt); err != nil {
		metrics.EventsIngested.WithLabelValues("error").Inc()
		logger.Error("Rollup recompute failed",
			zap.Int64("event_id", eventID),
			zap.String("project_id", stored.ProjectID),
			zap.Error(err),
		)
		return nil, err
	}

	if !created {
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		return &Result{EventID: eventID, Duplicate: true, Event: stored}, nil
	}

	metrics.EventsIngested.WithLabelValues("created").Inc()
	logger.Info("Event ingested",
		zap.Int64("event_id", eventID),
		zap.String("project_id", stored.ProjectID),
		zap.String("event_type", string(stored.EventType)),
		zap.String("regulation", stored.Regulation),
		zap.String("risk_level", stored.RiskLevel.String()),
	)

	p.invalidate(ctx, stored.ProjectID)
	if p.notifier != nil {
		if out := alerts.ForEvent(*stored, p.now(), p.warningDays); len(out) > 0 {
			p.notifier.Notify(ctx, out...)
		}
	}
	return &Result{EventID: eventID, Event: stored}, nil
}

// Message is a raw chat message to be classified before ingestion.
type Message struct {
	ChannelID    string   `json:"channel_id"`
	MessageID    string   `json:"message_id"`
	Text         string   `json:"text"`
	ProjectID    string   `json:"project_id,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	Stakeholders []string `json:"stakeholders,omitempty"`
}

// ProcessMessage runs the message through the extractor and ingests the
// labeled event. Messages that carry no compliance event are skipped.
func (p *Processor) ProcessMessage(ctx context.Context, msg Message) (*Result, error) {
	if p.extractor == nil {
		return nil, ErrNoExtractor
	}

	text := CleanText(msg.Text)
	if text == "" {
		metrics.EventsIngested.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Fields: map[string]string{"text": "required"}}
	}

	ext, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("extract message %s/%s: %w", msg.ChannelID, msg.MessageID, err)
	}
	if !ext.IsComplianceEvent() {
		metrics.EventsIngested.WithLabelValues("skipped").Inc()
		logger.Debug("Message carries no compliance event",
			zap.String("channel_id", msg.ChannelID),
			zap.String("message_id", msg.MessageID),
		)
		return &Result{Skipped: true}, nil
	}

	eventType := ext.Entities.ComplianceEvent
	if t := normalizeEventType(eventType); t == models.EventTypeOther && ext.Entities.DecisionType != "" {
		eventType = string(models.EventTypeDecision)
	}

	raw := RawEvent{
		FieldChannelID:       msg.ChannelID,
		FieldSourceMessageID: msg.MessageID,
		FieldEventType:       eventType,
		FieldRegulation:      ext.Entities.RegulationType,
		FieldRiskLevel:       ext.Entities.RiskLevel,
		FieldConfidence:      ext.Confidence,
		FieldDescription:     text,
	}
	if msg.ProjectID != "" {
		raw[FieldProjectID] = msg.ProjectID
	}
	if msg.Deadline != "" {
		raw[FieldDeadline] = msg.Deadline
	}
	if len(msg.Stakeholders) > 0 {
		raw[FieldStakeholders] = msg.Stakeholders
	}
	return p.IngestRaw(ctx, raw)
}

// UpdateStatus applies a review action and recomputes the rollup of the day
// the event was created.
func (p *Processor) UpdateStatus(ctx context.Context, eventID int64, status string) (*models.Event, error) {
	st, ok := models.ParseStatus(status)
	if !ok {
		return nil, &ValidationError{Fields: map[string]string{
			"status": fmt.Sprintf("must be one of %q, %q, %q", models.StatusPendingReview, models.StatusCompleted, models.StatusDismissed),
		}}
	}

	e, err := p.store.UpdateEventStatus(ctx, eventID, st, p.now().UTC())
	if err != nil {
		return nil, err
	}
	if _, err := p.rollups.Recompute(ctx, e.ProjectID, e.CreatedAt); err != nil {
		return nil, err
	}
	p.invalidate(ctx, e.ProjectID)
	return e, nil
}

func (p *Processor) invalidate(ctx context.Context, projectID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateProject(ctx, projectID); err != nil {
		logger.Warn("Failed to invalidate project cache", zap.String("project_id", projectID), zap.Error(err))
	}
}

var whitespace = regexp.MustCompile(`\s+`)

// CleanText strips markup from a message body and collapses whitespace.
// Plain text passes through unchanged apart from whitespace.
func CleanText(s string) string {
	if strings.ContainsAny(s, "<>") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script, style").Each(func(i int, sel *goquery.Selection) {
				sel.Remove()
			})
			s = doc.Text()
		}
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
