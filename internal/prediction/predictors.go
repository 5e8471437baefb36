package prediction

import (
	"math"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

const (
	CategoryApprovalDelay        = "approval_delay"
	CategoryDependencyBottleneck = "dependency_bottleneck"
	CategoryDocumentationGap     = "documentation_gap"
	CategoryResourceConstraint   = "resource_constraint"

	// InclusionThreshold: a predictor is emitted only above this probability.
	InclusionThreshold = 0.3
)

// trigger is one weighted indicator. It fires when the feature value crosses
// the threshold in the given direction and adds its increment.
type trigger struct {
	factor    string
	value     func(Features) float64
	threshold float64
	below     bool
	inclusive bool
	increment float64
	priority  string
	action    string
}

func (t trigger) fires(f Features) bool {
	v := t.value(f)
	switch {
	case t.below:
		return v < t.threshold
	case t.inclusive:
		return v >= t.threshold
	}
	return v > t.threshold
}

type predictor struct {
	category  string
	delayDays int
	triggers  []trigger
}

type outcome struct {
	probability     float64
	factors         []models.RiskFactor
	recommendations []models.Recommendation
}

// evaluate sums the increments of every firing trigger, capped at 1.
// Adding a firing trigger can only raise the result.
func (p predictor) evaluate(f Features) outcome {
	var o outcome
	sum := 0.0
	for _, t := range p.triggers {
		if !t.fires(f) {
			continue
		}
		sum += t.increment
		o.factors = append(o.factors, models.RiskFactor{
			Name:         t.factor,
			Impact:       t.increment,
			CurrentValue: t.value(f),
			Threshold:    t.threshold,
		})
		o.recommendations = append(o.recommendations, models.Recommendation{
			Priority: t.priority,
			Action:   t.action,
		})
	}
	o.probability = math.Min(1, round2(sum))
	return o
}

func pendingApprovals(f Features) float64 { return float64(f.PendingApprovals) }
func avgResponse(f Features) float64      { return f.AvgResponseTimeHours }
func daysToDeadline(f Features) float64   { return f.DaysToNearestDeadline }
func delayRate(f Features) float64        { return f.HistoricalDelayRate }
func chainLength(f Features) float64      { return float64(f.DependencyChainLength) }
func workload(f Features) float64         { return f.TeamWorkload }
func velocity(f Features) float64         { return f.EventVelocity }
func highCritical(f Features) float64     { return float64(f.HighCriticalCount) }
func auditRatio(f Features) float64       { return f.AuditActionRatio }
func lowConfRatio(f Features) float64     { return f.LowConfidenceRatio }

// predictors is the fixed ensemble, in output tie-break order.
var predictors = []predictor{
	{
		category:  CategoryApprovalDelay,
		delayDays: 7,
		triggers: []trigger{
			{factor: "pending_approvals", value: pendingApprovals, threshold: 3, inclusive: true, increment: 0.2,
				priority: "high", action: "Review and clear the pending approval queue"},
			{factor: "pending_approvals_backlog", value: pendingApprovals, threshold: 5, increment: 0.2,
				priority: "high", action: "Escalate the approval backlog to an additional approver"},
			{factor: "avg_response_time_hours", value: avgResponse, threshold: 24, increment: 0.15,
				priority: "medium", action: "Set a 24 hour response target for approvers"},
			{factor: "avg_response_time_hours_critical", value: avgResponse, threshold: 48, increment: 0.15,
				priority: "high", action: "Add a reminder cadence for approvals older than two days"},
			{factor: "days_to_nearest_deadline", value: daysToDeadline, threshold: 7, below: true, increment: 0.2,
				priority: "high", action: "Prioritize approvals blocking the nearest deadline"},
			{factor: "historical_delay_rate", value: delayRate, threshold: 0.3, increment: 0.2,
				priority: "medium", action: "Build buffer time into upcoming approval deadlines"},
		},
	},
	{
		category:  CategoryDependencyBottleneck,
		delayDays: 14,
		triggers: []trigger{
			{factor: "dependency_chain_length", value: chainLength, threshold: 3, increment: 0.35,
				priority: "high", action: "Map the dependency chain and parallelize independent steps"},
			{factor: "pending_approvals", value: pendingApprovals, threshold: 3, increment: 0.2,
				priority: "medium", action: "Unblock pending approvals on the critical path"},
			{factor: "days_to_nearest_deadline", value: daysToDeadline, threshold: 14, below: true, increment: 0.2,
				priority: "medium", action: "Confirm upstream deliverables for the next deadline"},
			{factor: "team_workload", value: workload, threshold: 0.8, increment: 0.15,
				priority: "medium", action: "Assign a dependency owner to track hand-offs"},
		},
	},
	{
		category:  CategoryDocumentationGap,
		delayDays: 21,
		triggers: []trigger{
			{factor: "audit_action_ratio", value: auditRatio, threshold: 0.1, below: true, increment: 0.3,
				priority: "high", action: "Schedule an audit evidence review"},
			{factor: "low_confidence_ratio", value: lowConfRatio, threshold: 0.3, increment: 0.25,
				priority: "medium", action: "Confirm low-confidence events with their stakeholders"},
			{factor: "high_critical_count", value: highCritical, threshold: 3, increment: 0.2,
				priority: "medium", action: "Document mitigation decisions for high-risk items"},
		},
	},
	{
		category:  CategoryResourceConstraint,
		delayDays: 10,
		triggers: []trigger{
			{factor: "team_workload", value: workload, threshold: 0.7, increment: 0.15,
				priority: "medium", action: "Review team allocation for compliance work"},
			{factor: "team_workload_critical", value: workload, threshold: 0.85, increment: 0.2,
				priority: "high", action: "Defer non-critical work or add temporary capacity"},
			{factor: "event_velocity", value: velocity, threshold: 10, increment: 0.25,
				priority: "medium", action: "Batch routine compliance items to reduce context switching"},
			{factor: "high_critical_count", value: highCritical, threshold: 5, increment: 0.2,
				priority: "high", action: "Dedicate an owner to high-risk items"},
			{factor: "pending_approvals", value: pendingApprovals, threshold: 5, increment: 0.15,
				priority: "medium", action: "Redistribute approval responsibilities"},
		},
	},
}
