package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// Store is the slice of the event store the aggregator reads and writes.
type Store interface {
	QueryEvents(ctx context.Context, q sqlite.EventQuery) ([]models.Event, error)
	UpsertRollup(ctx context.Context, r *models.DailyRollup) error
	ListRollups(ctx context.Context, projectID, fromDate, toDate string) ([]models.DailyRollup, error)
}

const (
	DefaultWindowDays = 30
	maxPendingActions = 20
	trendDeadBand     = 2.0
)

type Aggregator struct {
	store Store
	now   func() time.Time
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// WithClock replaces the wall clock, for tests and replays.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Recompute rebuilds the (projectID, day) rollup from a full scan of that
// day's events and upserts it. Concurrent callers converge on the same row.
func (a *Aggregator) Recompute(ctx context.Context, projectID string, day time.Time) (*models.DailyRollup, error) {
	start, end := DayBounds(day)
	events, err := a.store.QueryEvents(ctx, sqlite.EventQuery{ProjectID: projectID, From: start, To: end})
	if err != nil {
		metrics.RollupRecomputes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load events for rollup: %w", err)
	}

	rollup := BuildRollup(projectID, start.Format(models.DateLayout), events, a.now())
	if err := a.store.UpsertRollup(ctx, &rollup); err != nil {
		metrics.RollupRecomputes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save rollup: %w", err)
	}

	metrics.RollupRecomputes.WithLabelValues("ok").Inc()
	metrics.ComplianceScore.WithLabelValues(projectID).Set(float64(rollup.ComplianceScore))
	logger.Debug("Rollup recomputed",
		zap.String("project_id", projectID),
		zap.String("date", rollup.Date),
		zap.Int("events", rollup.TotalEvents),
		zap.Int("compliance_score", rollup.ComplianceScore),
	)
	return &rollup, nil
}

type SummaryQuery struct {
	ProjectID  string
	Regulation string
	WindowDays int
}

type PendingAction struct {
	EventID    int64            `json:"event_id"`
	ProjectID  string           `json:"project_id"`
	EventType  models.EventType `json:"event_type"`
	Regulation string           `json:"regulation"`
	RiskLevel  models.RiskLevel `json:"risk_level"`
	Deadline   *time.Time       `json:"deadline,omitempty"`
	Overdue    bool             `json:"overdue"`
	AgeHours   float64          `json:"age_hours"`
}

type TimelinePoint struct {
	Date            string `json:"date"`
	Events          int    `json:"events"`
	HighRisk        int    `json:"high_risk"`
	PendingApproval int    `json:"pending_approvals"`
	ComplianceScore int    `json:"compliance_score"`
}

type Summary struct {
	ProjectID        string          `json:"project_id"`
	Regulation       string          `json:"regulation,omitempty"`
	WindowDays       int             `json:"window_days"`
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	TotalEvents      int             `json:"total_events"`
	ByType           map[string]int  `json:"by_type"`
	ByRegulation     map[string]int  `json:"by_regulation"`
	ByRisk           map[string]int  `json:"by_risk"`
	ByStatus         map[string]int  `json:"by_status"`
	HighRiskCount    int             `json:"high_risk_count"`
	PendingApprovals int             `json:"pending_approvals"`
	OverdueCount     int             `json:"overdue_count"`
	ComplianceScore  float64         `json:"compliance_score"`
	PendingActions   []PendingAction `json:"pending_actions"`
	Timeline         []TimelinePoint `json:"timeline"`
}

// Summary aggregates the window's events for one project or "all".
func (a *Aggregator) Summary(ctx context.Context, q SummaryQuery) (*Summary, error) {
	if q.ProjectID == "" {
		q.ProjectID = "all"
	}
	if q.WindowDays <= 0 {
		q.WindowDays = DefaultWindowDays
	}

	now := a.now().UTC()
	from := now.AddDate(0, 0, -q.WindowDays)

	events, err := a.store.QueryEvents(ctx, sqlite.EventQuery{
		ProjectID:  q.ProjectID,
		Regulation: q.Regulation,
		From:       from,
	})
	if err != nil {
		return nil, fmt.Errorf("load summary events: %w", err)
	}

	s := &Summary{
		ProjectID:       q.ProjectID,
		Regulation:      q.Regulation,
		WindowDays:      q.WindowDays,
		From:            from,
		To:              now,
		TotalEvents:     len(events),
		ByType:          make(map[string]int),
		ByRegulation:    make(map[string]int),
		ByRisk:          make(map[string]int),
		ByStatus:        make(map[string]int),
		ComplianceScore: SummaryComplianceScore(events, now),
		PendingActions:  []PendingAction{},
	}

	for i := range events {
		e := &events[i]
		s.ByType[string(e.EventType)]++
		s.ByRegulation[e.Regulation]++
		s.ByRisk[e.RiskLevel.String()]++
		s.ByStatus[string(e.Status)]++
		if e.RiskLevel.IsHighRisk() {
			s.HighRiskCount++
		}
		if !e.IsPending() {
			continue
		}
		if e.EventType == models.EventTypeApproval {
			s.PendingApprovals++
		}
		overdue := e.IsOverdue(now)
		if overdue {
			s.OverdueCount++
		}
		s.PendingActions = append(s.PendingActions, PendingAction{
			EventID:    e.ID,
			ProjectID:  e.ProjectID,
			EventType:  e.EventType,
			Regulation: e.Regulation,
			RiskLevel:  e.RiskLevel,
			Deadline:   e.Deadline,
			Overdue:    overdue,
			AgeHours:   round1(now.Sub(e.CreatedAt).Hours()),
		})
	}
	sortPendingActions(s.PendingActions)
	if len(s.PendingActions) > maxPendingActions {
		s.PendingActions = s.PendingActions[:maxPendingActions]
	}

	if q.Regulation == "" {
		rollups, err := a.store.ListRollups(ctx, q.ProjectID, from.Format(models.DateLayout), now.Format(models.DateLayout))
		if err != nil {
			return nil, fmt.Errorf("load summary rollups: %w", err)
		}
		s.Timeline = timelineFromRollups(rollups)
	} else {
		s.Timeline = timelineFromEvents(events)
	}

	return s, nil
}

// sortPendingActions orders by nearest deadline first; events without a
// deadline follow, oldest first.
func sortPendingActions(actions []PendingAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		di, dj := actions[i].Deadline, actions[j].Deadline
		switch {
		case di != nil && dj != nil:
			if !di.Equal(*dj) {
				return di.Before(*dj)
			}
		case di != nil:
			return true
		case dj != nil:
			return false
		}
		if actions[i].RiskLevel != actions[j].RiskLevel {
			return actions[i].RiskLevel > actions[j].RiskLevel
		}
		return actions[i].AgeHours > actions[j].AgeHours
	})
}

// timelineFromRollups merges per-project rollups into one point per date.
// The merged score is the mean of the project scores.
func timelineFromRollups(rollups []models.DailyRollup) []TimelinePoint {
	type acc struct {
		point    TimelinePoint
		scoreSum int
		projects int
	}
	byDate := make(map[string]*acc)
	var dates []string
	for _, r := range rollups {
		a, ok := byDate[r.Date]
		if !ok {
			a = &acc{point: TimelinePoint{Date: r.Date}}
			byDate[r.Date] = a
			dates = append(dates, r.Date)
		}
		a.point.Events += r.TotalEvents
		a.point.HighRisk += r.HighRiskCount
		a.point.PendingApproval += r.PendingApprovals
		a.scoreSum += r.ComplianceScore
		a.projects++
	}
	sort.Strings(dates)

	out := make([]TimelinePoint, 0, len(dates))
	for _, d := range dates {
		a := byDate[d]
		a.point.ComplianceScore = int(math.Round(float64(a.scoreSum) / float64(a.projects)))
		out = append(out, a.point)
	}
	return out
}

func timelineFromEvents(events []models.Event) []TimelinePoint {
	byDate := make(map[string][]models.Event)
	var dates []string
	for _, e := range events {
		d := e.CreatedAt.UTC().Format(models.DateLayout)
		if _, ok := byDate[d]; !ok {
			dates = append(dates, d)
		}
		byDate[d] = append(byDate[d], e)
	}
	sort.Strings(dates)

	out := make([]TimelinePoint, 0, len(dates))
	for _, d := range dates {
		r := BuildRollup("", d, byDate[d], time.Time{})
		out = append(out, TimelinePoint{
			Date:            d,
			Events:          r.TotalEvents,
			HighRisk:        r.HighRiskCount,
			PendingApproval: r.PendingApprovals,
			ComplianceScore: r.ComplianceScore,
		})
	}
	return out
}

const (
	TrendImproving        = "improving"
	TrendDeclining        = "declining"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

type RegulationHealth struct {
	Regulation      string `json:"regulation"`
	Events          int    `json:"events"`
	Pending         int    `json:"pending"`
	HighRisk        int    `json:"high_risk"`
	ComplianceScore int    `json:"compliance_score"`
}

type Health struct {
	Scope         string             `json:"scope"`
	CurrentScore  float64            `json:"current_score"`
	Trend         string             `json:"trend"`
	TrendDelta    float64            `json:"trend_delta"`
	LastWeekMean  float64            `json:"last_week_mean"`
	PriorWeekMean float64            `json:"prior_week_mean"`
	Regulations   []RegulationHealth `json:"regulations"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Health reports the current summary score, the week-over-week trend of
// daily rollup scores, and a per-regulation breakdown.
func (a *Aggregator) Health(ctx context.Context, scope string) (*Health, error) {
	if scope == "" {
		scope = "all"
	}
	now := a.now().UTC()

	events, err := a.store.QueryEvents(ctx, sqlite.EventQuery{
		ProjectID: scope,
		From:      now.AddDate(0, 0, -DefaultWindowDays),
	})
	if err != nil {
		return nil, fmt.Errorf("load health events: %w", err)
	}

	today, _ := DayBounds(now)
	rollups, err := a.store.ListRollups(ctx, scope,
		today.AddDate(0, 0, -13).Format(models.DateLayout),
		today.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("load health rollups: %w", err)
	}

	h := &Health{
		Scope:        scope,
		CurrentScore: SummaryComplianceScore(events, now),
		Regulations:  regulationBreakdown(events),
		GeneratedAt:  now,
	}
	h.Trend, h.LastWeekMean, h.PriorWeekMean = trend(rollups, today)
	h.TrendDelta = round1(h.LastWeekMean - h.PriorWeekMean)
	return h, nil
}

// trend compares the mean rollup score of the 7 days ending today with the 7
// days before. Differences inside the dead band count as stable.
func trend(rollups []models.DailyRollup, today time.Time) (string, float64, float64) {
	cut := today.AddDate(0, 0, -6).Format(models.DateLayout)
	var lastSum, priorSum, lastN, priorN int
	for _, r := range rollups {
		if r.Date >= cut {
			lastSum += r.ComplianceScore
			lastN++
		} else {
			priorSum += r.ComplianceScore
			priorN++
		}
	}
	if lastN == 0 || priorN == 0 {
		var last float64
		if lastN > 0 {
			last = round1(float64(lastSum) / float64(lastN))
		}
		return TrendInsufficientData, last, 0
	}

	last := round1(float64(lastSum) / float64(lastN))
	prior := round1(float64(priorSum) / float64(priorN))
	switch {
	case last-prior > trendDeadBand:
		return TrendImproving, last, prior
	case prior-last > trendDeadBand:
		return TrendDeclining, last, prior
	default:
		return TrendStable, last, prior
	}
}

func regulationBreakdown(events []models.Event) []RegulationHealth {
	grouped := make(map[string][]models.Event)
	for _, e := range events {
		grouped[e.Regulation] = append(grouped[e.Regulation], e)
	}

	out := make([]RegulationHealth, 0, len(grouped))
	for reg, evs := range grouped {
		rh := RegulationHealth{
			Regulation:      reg,
			Events:          len(evs),
			ComplianceScore: ComplianceScore(evs),
		}
		for i := range evs {
			if evs[i].IsPending() {
				rh.Pending++
			}
			if evs[i].RiskLevel.IsHighRisk() {
				rh.HighRisk++
			}
		}
		out = append(out, rh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Regulation < out[j].Regulation })
	return out
}
