package analytics

import (
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// DayBounds returns the UTC calendar day containing t as [start, end).
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// BuildRollup derives the full daily rollup from that day's events. It never
// looks at a previous rollup, so replays and out-of-order inserts converge.
func BuildRollup(projectID, date string, events []models.Event, now time.Time) models.DailyRollup {
	r := models.DailyRollup{
		ProjectID:          projectID,
		Date:               date,
		TotalEvents:        len(events),
		CountsByType:       make(map[string]int, len(models.EventTypes)),
		CountsByRegulation: make(map[string]int),
		ComplianceScore:    ComplianceScore(events),
		UpdatedAt:          now.UTC(),
	}
	for _, t := range models.EventTypes {
		r.CountsByType[string(t)] = 0
	}

	for i := range events {
		e := &events[i]
		r.CountsByType[string(e.EventType)]++
		r.CountsByRegulation[e.Regulation]++
		if e.RiskLevel.IsHighRisk() {
			r.HighRiskCount++
		}
		if e.EventType == models.EventTypeApproval && e.IsPending() {
			r.PendingApprovals++
		}
	}
	return r
}
