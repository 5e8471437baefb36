package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

type Kind string

const (
	KindHighRiskEvent      Kind = "high_risk_event"
	KindDeadlineWarning    Kind = "deadline_warning"
	KindDeadlineOverdue    Kind = "deadline_overdue"
	KindCriticalPrediction Kind = "critical_prediction"
	KindChainIntegrity     Kind = "chain_integrity"
)

// Alert is the structured notification handed to every sink.
type Alert struct {
	ID         string     `json:"alert_id"`
	Kind       Kind       `json:"kind"`
	Severity   string     `json:"severity"`
	ProjectID  string     `json:"project_id,omitempty"`
	EventID    int64      `json:"event_id,omitempty"`
	Regulation string     `json:"regulation,omitempty"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newAlert(kind Kind, severity string, now time.Time) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		CreatedAt: now.UTC(),
	}
}

// ForEvent returns the alerts a freshly stored event should raise: one for
// High/Critical risk and one if a pending deadline falls inside the warning window.
func ForEvent(e models.Event, now time.Time, warningDays int) []Alert {
	var out []Alert

	if e.RiskLevel.IsHighRisk() {
		a := newAlert(KindHighRiskEvent, e.RiskLevel.String(), now)
		a.ProjectID = e.ProjectID
		a.EventID = e.ID
		a.Regulation = e.Regulation
		a.Deadline = e.Deadline
		a.Title = fmt.Sprintf("%s risk %s event in %s", e.RiskLevel, e.EventType, e.ProjectID)
		a.Message = e.Description
		out = append(out, a)
	}

	if a, ok := ForDeadline(e, now, warningDays); ok {
		out = append(out, a)
	}
	return out
}

// ForDeadline reports whether a pending event's deadline is overdue or within
// warningDays of now.
func ForDeadline(e models.Event, now time.Time, warningDays int) (Alert, bool) {
	if !e.IsPending() || e.Deadline == nil {
		return Alert{}, false
	}

	remaining := e.Deadline.Sub(now)
	window := time.Duration(warningDays) * 24 * time.Hour

	var a Alert
	switch {
	case remaining < 0:
		a = newAlert(KindDeadlineOverdue, string(models.SeverityCritical), now)
		a.Title = fmt.Sprintf("Overdue %s in %s", e.EventType, e.ProjectID)
		a.Message = fmt.Sprintf("deadline passed %s ago", remaining.Abs().Round(time.Hour))
	case remaining <= window:
		a = newAlert(KindDeadlineWarning, string(models.SeverityHigh), now)
		days := int(math.Ceil(remaining.Hours() / 24))
		a.Title = fmt.Sprintf("%s due in %d day(s) for %s", e.EventType, days, e.ProjectID)
		a.Message = e.Description
	default:
		return Alert{}, false
	}

	a.ProjectID = e.ProjectID
	a.EventID = e.ID
	a.Regulation = e.Regulation
	a.Deadline = e.Deadline
	return a, true
}

// ForPrediction raises an alert for Critical predictions only.
func ForPrediction(p models.RiskPrediction, now time.Time) (Alert, bool) {
	if p.Severity != models.SeverityCritical {
		return Alert{}, false
	}
	a := newAlert(KindCriticalPrediction, string(p.Severity), now)
	a.ProjectID = p.ProjectID
	a.Title = fmt.Sprintf("Critical %s risk predicted for %s", p.RiskCategory, p.ProjectID)
	a.Message = fmt.Sprintf("probability %.2f, expected impact by %s", p.Probability, p.PredictedImpactDate.Format(models.DateLayout))
	return a, true
}

// ForChainIntegrity raises an alert when chain verification fails.
func ForChainIntegrity(sequence int64, recordID, reason string, now time.Time) Alert {
	a := newAlert(KindChainIntegrity, string(models.SeverityCritical), now)
	a.Title = fmt.Sprintf("Audit chain invalid at record %d", sequence)
	a.Message = fmt.Sprintf("record %s: %s", recordID, reason)
	return a
}
