package models

import (
	"errors"
	"strings"
	"time"
)

// ErrStorage marks persistence-layer failures. Callers may retry with backoff.
var ErrStorage = errors.New("storage unavailable")

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

type EventType string

const (
	EventTypeApproval       EventType = "approval"
	EventTypeDecision       EventType = "decision"
	EventTypeRiskDiscussion EventType = "risk_discussion"
	EventTypeMilestone      EventType = "milestone"
	EventTypeAuditAction    EventType = "audit_action"
	EventTypeOther          EventType = "other"
)

var EventTypes = []EventType{
	EventTypeApproval,
	EventTypeDecision,
	EventTypeRiskDiscussion,
	EventTypeMilestone,
	EventTypeAuditAction,
	EventTypeOther,
}

func ParseEventType(s string) (EventType, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	for _, t := range EventTypes {
		if string(t) == key {
			return t, true
		}
	}
	return EventTypeOther, false
}

// RiskLevel is ordered: Low < Medium < High < Critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskCritical:
		return "Critical"
	default:
		return "Low"
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, _ := ParseRiskLevel(string(text))
	*r = level
	return nil
}

// IsHighRisk reports High or Critical.
func (r RiskLevel) IsHighRisk() bool {
	return r >= RiskHigh
}

func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, true
	case "medium", "med", "moderate":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	case "critical", "crit":
		return RiskCritical, true
	default:
		return RiskLow, false
	}
}

type Status string

const (
	StatusPendingReview Status = "Pending Review"
	StatusCompleted     Status = "Completed"
	StatusDismissed     Status = "Dismissed"
)

func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))) {
	case "pending review", "pending":
		return StatusPendingReview, true
	case "completed", "complete", "done":
		return StatusCompleted, true
	case "dismissed":
		return StatusDismissed, true
	default:
		return "", false
	}
}

const RegulationGeneral = "General"

// Event is one compliance-relevant occurrence. Everything except Status and
// StatusUpdatedAt is fixed at creation.
type Event struct {
	ID              int64      `json:"event_id"`
	SourceMessageID string     `json:"source_message_id"`
	ChannelID       string     `json:"channel_id"`
	ProjectID       string     `json:"project_id"`
	EventType       EventType  `json:"event_type"`
	Regulation      string     `json:"regulation"`
	RiskLevel       RiskLevel  `json:"risk_level"`
	Status          Status     `json:"status"`
	ConfidenceScore float64    `json:"confidence_score"`
	Description     string     `json:"description,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Stakeholders    []string   `json:"stakeholders"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
}

func (e *Event) IsPending() bool {
	return e.Status == StatusPendingReview
}

// IsOverdue reports a pending event whose deadline is before now.
func (e *Event) IsOverdue(now time.Time) bool {
	return e.IsPending() && e.Deadline != nil && e.Deadline.Before(now)
}

// DailyRollup is the per-project, per-day aggregate.
type DailyRollup struct {
	ProjectID          string         `json:"project_id"`
	Date               string         `json:"date"`
	TotalEvents        int            `json:"total_events"`
	CountsByType       map[string]int `json:"counts_by_type"`
	CountsByRegulation map[string]int `json:"counts_by_regulation"`
	HighRiskCount      int            `json:"high_risk_count"`
	PendingApprovals   int            `json:"pending_approvals"`
	ComplianceScore    int            `json:"compliance_score"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

const DateLayout = "2006-01-02"

// AuditSummary holds the derived counts of an audit record.
type AuditSummary struct {
	TotalEvents  int            `json:"total_events"`
	ByType       map[string]int `json:"by_type"`
	ByRisk       map[string]int `json:"by_risk"`
	PendingCount int            `json:"pending_count"`
	HighRisk     int            `json:"high_risk"`
}

// AuditRecord is one immutable node of the global hash chain.
type AuditRecord struct {
	ID           string       `json:"record_id"`
	Sequence     int64        `json:"sequence"`
	ProjectID    string       `json:"project_id"`
	Regulation   string       `json:"regulation"`
	EventIDs     []int64      `json:"event_ids"`
	ReportHash   string       `json:"report_hash"`
	PreviousHash string       `json:"previous_hash"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	Summary      AuditSummary `json:"summary"`
	CreatedAt    time.Time    `json:"created_at"`
}

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

type RiskFactor struct {
	Name         string  `json:"name"`
	Impact       float64 `json:"impact"`
	CurrentValue float64 `json:"current_value"`
	Threshold    float64 `json:"threshold"`
}

type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
}

// RiskPrediction is regenerated on every run and stored only for traceability.
type RiskPrediction struct {
	ID                  string           `json:"prediction_id"`
	ProjectID           string           `json:"project_id"`
	RiskCategory        string           `json:"risk_category"`
	Severity            Severity         `json:"severity"`
	Probability         float64          `json:"probability"`
	PredictedImpactDate time.Time        `json:"predicted_impact_date"`
	ContributingFactors []RiskFactor     `json:"contributing_factors"`
	Recommendations     []Recommendation `json:"recommendations"`
	Confidence          float64          `json:"confidence"`
	GeneratedAt         time.Time        `json:"generated_at"`
}
