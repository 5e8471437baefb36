package analytics

import (
	"math"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// ComplianceScore is the ingest-time score stored on daily rollups:
//
//	100 - 5*(High/Critical and pending) - 3*(approval and pending), clamped to [0,100]
func ComplianceScore(events []models.Event) int {
	score := 100
	for i := range events {
		e := &events[i]
		if !e.IsPending() {
			continue
		}
		if e.RiskLevel.IsHighRisk() {
			score -= 5
		}
		if e.EventType == models.EventTypeApproval {
			score -= 3
		}
	}
	return clampInt(score, 0, 100)
}

// SummaryComplianceScore is the point-in-time variant used by on-demand
// summaries. It starts from the same penalties, adds a coverage bonus of
// min(2*distinct event types, 10) and a recency bonus of
// min(10, 10*events in the last 7 days/total), subtracts 10 per pending event
// past its deadline, then clamps to [0,100] and rounds to one decimal.
func SummaryComplianceScore(events []models.Event, now time.Time) float64 {
	score := 100.0
	types := make(map[models.EventType]struct{})
	recent := 0
	weekAgo := now.Add(-7 * 24 * time.Hour)

	for i := range events {
		e := &events[i]
		types[e.EventType] = struct{}{}
		if !e.CreatedAt.Before(weekAgo) {
			recent++
		}
		if !e.IsPending() {
			continue
		}
		if e.RiskLevel.IsHighRisk() {
			score -= 5
		}
		if e.EventType == models.EventTypeApproval {
			score -= 3
		}
		if e.IsOverdue(now) {
			score -= 10
		}
	}

	score += math.Min(float64(len(types))*2, 10)
	if len(events) > 0 {
		score += math.Min(10, 10*float64(recent)/float64(len(events)))
	}

	return round1(math.Max(0, math.Min(100, score)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
