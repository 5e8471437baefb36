package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// GenesisHash is the previous_hash of the first record in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// StableJSON encodes v with sorted object keys, no HTML escaping and numbers
// kept in their original textual form.
func StableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("stable json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("stable json: %w", err)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("stable json: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// canonicalEvent holds the fields an audit digest covers. Status is left out
// because review actions change it after the fact.
type canonicalEvent struct {
	EventID         string   `json:"event_id"`
	SourceMessageID string   `json:"source_message_id"`
	ChannelID       string   `json:"channel_id"`
	ProjectID       string   `json:"project_id"`
	EventType       string   `json:"event_type"`
	Regulation      string   `json:"regulation"`
	RiskLevel       string   `json:"risk_level"`
	ConfidenceScore float64  `json:"confidence_score"`
	Description     string   `json:"description"`
	Deadline        *string  `json:"deadline"`
	Stakeholders    []string `json:"stakeholders"`
	CreatedAt       string   `json:"created_at"`
}

func canonicalView(e models.Event) canonicalEvent {
	stakeholders := append([]string{}, e.Stakeholders...)
	sort.Strings(stakeholders)

	c := canonicalEvent{
		EventID:         strconv.FormatInt(e.ID, 10),
		SourceMessageID: e.SourceMessageID,
		ChannelID:       e.ChannelID,
		ProjectID:       e.ProjectID,
		EventType:       string(e.EventType),
		Regulation:      e.Regulation,
		RiskLevel:       e.RiskLevel.String(),
		ConfidenceScore: e.ConfidenceScore,
		Description:     e.Description,
		Stakeholders:    stakeholders,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.Deadline != nil {
		d := e.Deadline.UTC().Format(time.RFC3339Nano)
		c.Deadline = &d
	}
	return c
}

// SortEvents orders events by created_at, then event_id.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// Serialize returns the canonical bytes for an already ordered event list.
func Serialize(events []models.Event) ([]byte, error) {
	views := make([]canonicalEvent, len(events))
	for i, e := range events {
		views[i] = canonicalView(e)
	}
	return StableJSON(views)
}

// ComputeReportHash returns hex(sha256(Serialize(events) || previousHash)).
// The caller supplies events in chain order.
func ComputeReportHash(events []models.Event, previousHash string) (string, error) {
	payload, err := Serialize(events)
	if err != nil {
		return "", err
	}
	return hashBytes(payload, []byte(previousHash)), nil
}

func hashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
