package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// RawEvent is a decoded payload keyed by canonical field name. Values keep
// whatever type the wire encoding produced.
type RawEvent map[string]any

const (
	FieldChannelID       = "channel_id"
	FieldSourceMessageID = "source_message_id"
	FieldProjectID       = "project_id"
	FieldEventType       = "event_type"
	FieldRegulation      = "regulation"
	FieldRiskLevel       = "risk_level"
	FieldConfidence      = "confidence_score"
	FieldDeadline        = "deadline"
	FieldStakeholders    = "stakeholders"
	FieldDescription     = "description"
)

// ValidationError rejects a payload. Fields maps field name to problem.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, problem string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = problem
}

var knownRegulations = map[string]string{
	"gdpr":        "GDPR",
	"hipaa":       "HIPAA",
	"sox":         "SOX",
	"pcidss":      "PCI-DSS",
	"pci":         "PCI-DSS",
	"iso27001":    "ISO 27001",
	"ccpa":        "CCPA",
	"soc2":        "SOC 2",
	"fda":         "FDA",
	"general":     models.RegulationGeneral,
	"unknown":     models.RegulationGeneral,
	"none":        models.RegulationGeneral,
	"na":          models.RegulationGeneral,
	"unspecified": models.RegulationGeneral,
}

var eventTypeSynonyms = map[string]models.EventType{
	"approved":         models.EventTypeApproval,
	"approval_request": models.EventTypeApproval,
	"signoff":          models.EventTypeApproval,
	"sign_off":         models.EventTypeApproval,
	"risk":             models.EventTypeRiskDiscussion,
	"audit":            models.EventTypeAuditAction,
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	models.DateLayout,
}

// Normalize validates raw and returns the canonical event. It performs no I/O;
// the caller assigns the event ID.
func Normalize(raw RawEvent, now time.Time) (models.Event, error) {
	verr := &ValidationError{}

	channelID := stringField(raw, FieldChannelID)
	if channelID == "" {
		verr.add(FieldChannelID, "required")
	}
	messageID := stringField(raw, FieldSourceMessageID)
	if messageID == "" {
		verr.add(FieldSourceMessageID, "required")
	}

	projectID := stringField(raw, FieldProjectID)
	if projectID == "" {
		projectID = channelID
	}

	confidence := 1.0
	if v, ok := raw[FieldConfidence]; ok && !isBlank(v) {
		f, err := toFloat(v)
		if err != nil {
			verr.add(FieldConfidence, "must be a number")
		} else {
			confidence = normalizeConfidence(f)
		}
	}

	var deadline *time.Time
	if v, ok := raw[FieldDeadline]; ok && !isBlank(v) {
		t, err := toTime(v)
		switch {
		case errors.Is(err, errTimestampRange):
			verr.add(FieldDeadline, "timestamp out of range")
		case err != nil:
			verr.add(FieldDeadline, "unrecognized timestamp")
		default:
			deadline = &t
		}
	}

	if len(verr.Fields) > 0 {
		return models.Event{}, verr
	}

	riskLevel, _ := models.ParseRiskLevel(stringField(raw, FieldRiskLevel))

	return models.Event{
		SourceMessageID: messageID,
		ChannelID:       channelID,
		ProjectID:       projectID,
		EventType:       normalizeEventType(stringField(raw, FieldEventType)),
		Regulation:      normalizeRegulation(stringField(raw, FieldRegulation)),
		RiskLevel:       riskLevel,
		Status:          models.StatusPendingReview,
		ConfidenceScore: confidence,
		Description:     stringField(raw, FieldDescription),
		Deadline:        deadline,
		Stakeholders:    normalizeStakeholders(raw[FieldStakeholders]),
		CreatedAt:       now.UTC(),
	}, nil
}

func normalizeEventType(s string) models.EventType {
	if t, ok := models.ParseEventType(s); ok {
		return t
	}
	key := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	if t, ok := eventTypeSynonyms[key]; ok {
		return t
	}
	return models.EventTypeOther
}

func normalizeRegulation(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.RegulationGeneral
	}
	if canonical, ok := knownRegulations[foldKey(s)]; ok {
		return canonical
	}
	return s
}

// normalizeConfidence reads values above 1 as percentages and clamps to [0,1].
func normalizeConfidence(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	if f > 1 && f <= 100 {
		f = f / 100
	}
	return math.Max(0, math.Min(1, f))
}

func normalizeStakeholders(v any) []string {
	var items []string
	switch val := v.(type) {
	case nil:
	case string:
		items = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	case []string:
		for _, s := range val {
			items = append(items, strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })...)
		}
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = []string{fmt.Sprint(val)}
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		item = strings.TrimPrefix(item, "<@")
		item = strings.TrimSuffix(item, ">")
		item = strings.TrimPrefix(item, "@")
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func stringField(raw RawEvent, key string) string {
	switch v := raw[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []string:
		if len(v) == 0 {
			return ""
		}
		return strings.TrimSpace(v[0])
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0 || strings.TrimSpace(val[0]) == ""
	}
	return false
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(val), "%"), 64)
	case []string:
		if len(val) > 0 {
			return toFloat(val[0])
		}
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

var (
	errTimestampRange = errors.New("timestamp out of range")

	// Bounds of what UnixNano can represent.
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Epoch numbers at or above this magnitude are milliseconds; as seconds they
// would land after the year 5000.
const (
	epochMillisThreshold = 1e11
	maxEpochSeconds      = 1e15
)

// toTime accepts RFC3339 variants, bare dates and unix seconds or
// milliseconds. Results outside the storable range are rejected.
func toTime(v any) (time.Time, error) {
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, err
	}
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return time.Time{}, errTimestampRange
	}
	return t, nil
}

func parseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return unixEpoch(secs), nil
		}
	case []string:
		if len(val) > 0 {
			return parseTime(val[0])
		}
	case time.Time:
		return val.UTC(), nil
	default:
		if secs, err := toFloat(val); err == nil {
			return unixEpoch(secs), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %v", v)
}

func unixEpoch(secs float64) time.Time {
	if math.Abs(secs) >= epochMillisThreshold {
		secs /= 1000
	}
	// Keeps the int64 conversion below defined; both results fail the range check.
	if secs > maxEpochSeconds {
		return maxTimestamp.Add(time.Second)
	}
	if secs < -maxEpochSeconds {
		return minTimestamp.Add(-time.Second)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
