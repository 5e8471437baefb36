package prediction

import (
	"math"
	"sort"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// MinEvents is the smallest history the engine will score.
const MinEvents = 3

// Input is everything a prediction run reads. Predict performs no I/O.
type Input struct {
	ProjectID   string
	Events      []models.Event
	Rollups     []models.DailyRollup
	Now         time.Time
	HorizonDays int
	Options     Options
}

type Result struct {
	ProjectID        string                  `json:"project_id"`
	Predictions      []models.RiskPrediction `json:"predictions"`
	OverallRiskScore float64                 `json:"overall_risk_score"`
	InsufficientData bool                    `json:"insufficient_data"`
	EventsAnalyzed   int                     `json:"events_analyzed"`
	HorizonDays      int                     `json:"horizon_days"`
	Features         Features                `json:"features"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// ClassifySeverity maps a probability to a severity band.
func ClassifySeverity(p float64) models.Severity {
	switch {
	case p >= 0.85:
		return models.SeverityCritical
	case p >= 0.70:
		return models.SeverityHigh
	case p >= 0.50:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Confidence grows linearly with history size and saturates at 50 events.
func Confidence(eventCount int) float64 {
	return round2(0.5 + 0.5*math.Min(1, float64(eventCount)/50))
}

// OverallRiskScore is the mean emitted probability on a 0-100 scale.
func OverallRiskScore(preds []models.RiskPrediction) float64 {
	if len(preds) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range preds {
		sum += p.Probability
	}
	return math.Round(sum/float64(len(preds))*1000) / 10
}

// Predict scores the input against the predictor ensemble. It is a pure
// function of its input: the same input always yields the same Result.
// Prediction IDs are left empty for the caller to assign.
func Predict(in Input) Result {
	horizon := in.HorizonDays
	if horizon <= 0 {
		horizon = DefaultHorizonDays
	}
	now := in.Now.UTC()

	features := ExtractFeatures(in.Events, in.Rollups, now, in.Options)
	res := Result{
		ProjectID:      in.ProjectID,
		Predictions:    []models.RiskPrediction{},
		EventsAnalyzed: features.EventCount,
		HorizonDays:    horizon,
		Features:       features,
		GeneratedAt:    now,
	}
	if features.EventCount < MinEvents {
		res.InsufficientData = true
		return res
	}

	confidence := Confidence(features.EventCount)
	for _, p := range predictors {
		o := p.evaluate(features)
		if o.probability <= InclusionThreshold {
			continue
		}
		delay := p.delayDays
		if horizon < delay {
			delay = horizon
		}
		res.Predictions = append(res.Predictions, models.RiskPrediction{
			ProjectID:           in.ProjectID,
			RiskCategory:        p.category,
			Severity:            ClassifySeverity(o.probability),
			Probability:         o.probability,
			PredictedImpactDate: now.AddDate(0, 0, delay),
			ContributingFactors: o.factors,
			Recommendations:     o.recommendations,
			Confidence:          confidence,
			GeneratedAt:         now,
		})
	}

	sort.SliceStable(res.Predictions, func(i, j int) bool {
		return res.Predictions[i].Probability > res.Predictions[j].Probability
	})
	res.OverallRiskScore = OverallRiskScore(res.Predictions)
	return res
}
