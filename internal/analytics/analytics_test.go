package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"testing/quick"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func ev(id int64, t models.EventType, risk models.RiskLevel, status models.Status) models.Event {
	return models.Event{
		ID:              id,
		SourceMessageID: string(rune('a' + id)),
		ChannelID:       "C1",
		ProjectID:       "apollo",
		EventType:       t,
		Regulation:      "GDPR",
		RiskLevel:       risk,
		Status:          status,
		ConfidenceScore: 0.9,
		Stakeholders:    []string{},
		CreatedAt:       now.Add(-time.Duration(id) * time.Minute),
	}
}

func scenarioEvents() []models.Event {
	return []models.Event{
		ev(1, models.EventTypeApproval, models.RiskHigh, models.StatusPendingReview),
		ev(2, models.EventTypeDecision, models.RiskMedium, models.StatusCompleted),
		ev(3, models.EventTypeRiskDiscussion, models.RiskHigh, models.StatusPendingReview),
	}
}

func TestComplianceScoreScenario(t *testing.T) {
	if got := ComplianceScore(scenarioEvents()); got != 87 {
		t.Fatalf("ComplianceScore() = %d, want 87", got)
	}
}

func TestComplianceScoreClamps(t *testing.T) {
	var events []models.Event
	for i := int64(0); i < 30; i++ {
		events = append(events, ev(i, models.EventTypeApproval, models.RiskCritical, models.StatusPendingReview))
	}
	if got := ComplianceScore(events); got != 0 {
		t.Fatalf("ComplianceScore() = %d, want 0", got)
	}
	if got := ComplianceScore(nil); got != 100 {
		t.Fatalf("ComplianceScore(nil) = %d, want 100", got)
	}
}

var statuses = []models.Status{models.StatusPendingReview, models.StatusCompleted, models.StatusDismissed}

// genEvents turns quick-generated bytes into events with every risk, status
// and type combination reachable.
func genEvents(seeds []uint16) []models.Event {
	events := make([]models.Event, len(seeds))
	for i, s := range seeds {
		events[i] = ev(int64(i),
			models.EventTypes[int(s)%len(models.EventTypes)],
			models.RiskLevel(int(s>>4)%4),
			statuses[int(s>>8)%len(statuses)],
		)
	}
	return events
}

func TestComplianceScoreProperty(t *testing.T) {
	f := func(seeds []uint16) bool {
		events := genEvents(seeds)

		highPending, approvalPending := 0, 0
		for _, e := range events {
			if e.Status != models.StatusPendingReview {
				continue
			}
			if e.RiskLevel == models.RiskHigh || e.RiskLevel == models.RiskCritical {
				highPending++
			}
			if e.EventType == models.EventTypeApproval {
				approvalPending++
			}
		}
		want := 100 - 5*highPending - 3*approvalPending
		if want < 0 {
			want = 0
		}

		rollup := BuildRollup("apollo", "2026-03-02", events, now)
		return ComplianceScore(events) == want && rollup.ComplianceScore == want
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestBuildRollupIsOrderIndependent(t *testing.T) {
	f := func(seeds []uint16) bool {
		events := genEvents(seeds)
		reversed := make([]models.Event, len(events))
		for i := range events {
			reversed[len(events)-1-i] = events[i]
		}
		a := BuildRollup("apollo", "2026-03-02", events, now)
		b := BuildRollup("apollo", "2026-03-02", reversed, now)
		if a.ComplianceScore != b.ComplianceScore || a.HighRiskCount != b.HighRiskCount ||
			a.PendingApprovals != b.PendingApprovals || a.TotalEvents != b.TotalEvents {
			return false
		}
		for k, v := range a.CountsByType {
			if b.CountsByType[k] != v {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSummaryComplianceScore(t *testing.T) {
	events := scenarioEvents()
	past := now.Add(-time.Hour)
	events[0].Deadline = &past

	// 100 - 10 - 3 = 87, +6 coverage (3 types), +10 recency, -10 overdue.
	if got := SummaryComplianceScore(events, now); got != 93 {
		t.Fatalf("SummaryComplianceScore() = %v, want 93", got)
	}

	old := ev(9, models.EventTypeMilestone, models.RiskLow, models.StatusCompleted)
	old.CreatedAt = now.AddDate(0, 0, -20)
	events = append(events, old)
	// 4 types → +8, recency 10*3/4 = 7.5.
	if got := SummaryComplianceScore(events, now); got != 92.5 {
		t.Fatalf("SummaryComplianceScore() = %v, want 92.5", got)
	}
}

func newStore(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "ledger.db"), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.InitSchema(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecomputeIsIdempotentFullScan(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	agg := NewAggregator(store).WithClock(func() time.Time { return now })

	for _, e := range scenarioEvents() {
		e := e
		if _, _, err := store.InsertEvent(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		r, err := agg.Recompute(ctx, "apollo", now)
		if err != nil {
			t.Fatal(err)
		}
		if r.ComplianceScore != 87 || r.TotalEvents != 3 || r.HighRiskCount != 2 || r.PendingApprovals != 1 {
			t.Fatalf("run %d rollup = %+v", i, r)
		}
	}

	rollups, err := store.ListRollups(ctx, "apollo", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rollups) != 1 || rollups[0].Date != "2026-03-02" {
		t.Fatalf("rollups = %+v", rollups)
	}
}

func TestSummaryAndHealth(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	agg := NewAggregator(store).WithClock(func() time.Time { return now })

	for _, e := range scenarioEvents() {
		e := e
		store.InsertEvent(ctx, &e)
	}
	agg.Recompute(ctx, "apollo", now)

	// A rollup ten days back gives the trend a prior week.
	store.UpsertRollup(ctx, &models.DailyRollup{ProjectID: "apollo", Date: "2026-02-20", ComplianceScore: 97, UpdatedAt: now})

	s, err := agg.Summary(ctx, SummaryQuery{ProjectID: "apollo"})
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalEvents != 3 || s.PendingApprovals != 1 || s.HighRiskCount != 2 || len(s.PendingActions) != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Timeline) != 2 || s.Timeline[1].ComplianceScore != 87 {
		t.Fatalf("timeline = %+v", s.Timeline)
	}

	h, err := agg.Health(ctx, "apollo")
	if err != nil {
		t.Fatal(err)
	}
	if h.Trend != TrendDeclining || h.LastWeekMean != 87 || h.PriorWeekMean != 97 {
		t.Fatalf("health = %+v", h)
	}
	if len(h.Regulations) != 1 || h.Regulations[0].Regulation != "GDPR" || h.Regulations[0].ComplianceScore != 87 {
		t.Fatalf("regulations = %+v", h.Regulations)
	}
}

func TestTrendDeadBand(t *testing.T) {
	today, _ := DayBounds(now)
	rollups := []models.DailyRollup{
		{Date: "2026-02-20", ComplianceScore: 90},
		{Date: "2026-03-01", ComplianceScore: 91},
	}
	if got, _, _ := trend(rollups, today); got != TrendStable {
		t.Fatalf("trend = %s, want stable", got)
	}
	if got, _, _ := trend(rollups[1:], today); got != TrendInsufficientData {
		t.Fatalf("trend = %s, want insufficient_data", got)
	}
}
