package prediction

import (
	"math"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

const (
	// MaxEvents and RollupWindowDays bound the history a run looks at.
	MaxEvents        = 100
	RollupWindowDays = 30

	DefaultDependencyChainLength = 2
	DefaultTeamWorkload          = 0.75
	DefaultHorizonDays           = 30
	noDeadlineDays               = 30.0
	lowConfidence                = 0.6
)

// Options carries the inputs that come from outside the event history.
// Nil fields take the documented defaults.
type Options struct {
	DependencyChainLength *int     `json:"dependency_chain_length,omitempty"`
	TeamWorkload          *float64 `json:"team_workload,omitempty"`
}

func (o Options) chainLength() int {
	if o.DependencyChainLength == nil {
		return DefaultDependencyChainLength
	}
	return *o.DependencyChainLength
}

func (o Options) workload() float64 {
	if o.TeamWorkload == nil {
		return DefaultTeamWorkload
	}
	return *o.TeamWorkload
}

// Features is the vector every predictor reads.
type Features struct {
	EventCount            int     `json:"event_count"`
	AvgResponseTimeHours  float64 `json:"avg_response_time_hours"`
	PendingApprovals      int     `json:"pending_approvals"`
	DaysToNearestDeadline float64 `json:"days_to_nearest_deadline"`
	DependencyChainLength int     `json:"dependency_chain_length"`
	TeamWorkload          float64 `json:"team_workload"`
	HistoricalDelayRate   float64 `json:"historical_delay_rate"`
	EventVelocity         float64 `json:"event_velocity"`
	HighCriticalCount     int     `json:"high_critical_count"`
	AuditActionRatio      float64 `json:"audit_action_ratio"`
	LowConfidenceRatio    float64 `json:"low_confidence_ratio"`
}

// ExtractFeatures derives the feature vector from up to MaxEvents of the most
// recent events and the rollups of the last RollupWindowDays.
func ExtractFeatures(events []models.Event, rollups []models.DailyRollup, now time.Time, opts Options) Features {
	if len(events) > MaxEvents {
		events = events[len(events)-MaxEvents:]
	}

	f := Features{
		EventCount:            len(events),
		DaysToNearestDeadline: noDeadlineDays,
		DependencyChainLength: opts.chainLength(),
		TeamWorkload:          opts.workload(),
	}

	var (
		responseHours   float64
		responseSamples int
		withDeadline    int
		late            int
		auditActions    int
		lowConf         int
		nearest         = math.Inf(1)
	)

	for i := range events {
		e := &events[i]

		if e.RiskLevel.IsHighRisk() {
			f.HighCriticalCount++
		}
		if e.EventType == models.EventTypeAuditAction {
			auditActions++
		}
		if e.ConfidenceScore < lowConfidence {
			lowConf++
		}

		switch {
		case e.StatusUpdatedAt != nil && !e.IsPending():
			responseHours += e.StatusUpdatedAt.Sub(e.CreatedAt).Hours()
			responseSamples++
		case e.IsPending() && e.EventType == models.EventTypeApproval:
			responseHours += now.Sub(e.CreatedAt).Hours()
			responseSamples++
		}

		if e.IsPending() && e.EventType == models.EventTypeApproval {
			f.PendingApprovals++
		}

		if e.Deadline == nil {
			continue
		}
		withDeadline++
		if isLate(e, now) {
			late++
		}
		if e.IsPending() {
			days := e.Deadline.Sub(now).Hours() / 24
			nearest = math.Min(nearest, math.Max(0, days))
		}
	}

	if responseSamples > 0 {
		f.AvgResponseTimeHours = round2(responseHours / float64(responseSamples))
	}
	if !math.IsInf(nearest, 1) {
		f.DaysToNearestDeadline = round2(nearest)
	}
	if withDeadline > 0 {
		f.HistoricalDelayRate = round2(float64(late) / float64(withDeadline))
	}
	if n := len(events); n > 0 {
		f.AuditActionRatio = round2(float64(auditActions) / float64(n))
		f.LowConfidenceRatio = round2(float64(lowConf) / float64(n))
	}

	total := 0
	for _, r := range rollups {
		total += r.TotalEvents
	}
	f.EventVelocity = round2(float64(total) / RollupWindowDays)

	return f
}

// isLate reports an event resolved after its deadline, or still pending past it.
func isLate(e *models.Event, now time.Time) bool {
	if e.IsPending() {
		return e.Deadline.Before(now)
	}
	return e.StatusUpdatedAt != nil && e.StatusUpdatedAt.After(*e.Deadline)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
