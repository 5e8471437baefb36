package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/logger"
)

type EventQuerier interface {
	QueryEvents(ctx context.Context, q sqlite.EventQuery) ([]models.Event, error)
}

type Notifier interface {
	Notify(ctx context.Context, alerts ...Alert)
}

// DeadlineSweeper raises deadline alerts for pending events whose deadline
// is overdue or inside the warning window.
type DeadlineSweeper struct {
	events      EventQuerier
	notifier    Notifier
	warningDays int
}

func NewDeadlineSweeper(events EventQuerier, notifier Notifier, warningDays int) *DeadlineSweeper {
	return &DeadlineSweeper{events: events, notifier: notifier, warningDays: warningDays}
}

// Sweep returns the number of alerts raised.
func (s *DeadlineSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	events, err := s.events.QueryEvents(ctx, sqlite.EventQuery{
		Status:         models.StatusPendingReview,
		DeadlineBefore: now.Add(time.Duration(s.warningDays)*24*time.Hour + time.Nanosecond),
	})
	if err != nil {
		return 0, fmt.Errorf("load pending deadlines: %w", err)
	}

	var raised []Alert
	for _, e := range events {
		if a, ok := ForDeadline(e, now, s.warningDays); ok {
			raised = append(raised, a)
		}
	}
	s.notifier.Notify(ctx, raised...)

	logger.Info("Deadline sweep finished",
		zap.Int("pending_with_deadline", len(events)),
		zap.Int("alerts", len(raised)),
	)
	return len(raised), nil
}
