package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// Decoder turns one wire encoding into a RawEvent keyed by canonical names.
type Decoder interface {
	Decode(raw []byte) (RawEvent, error)
}

// fieldAliases lists accepted spellings per canonical field, in priority order.
// Matching happens after foldKey, so case and separators do not matter.
var fieldAliases = map[string][]string{
	FieldChannelID:       {"channel_id", "channel"},
	FieldSourceMessageID: {"source_message_id", "message_id", "msg_id", "message_ts", "ts"},
	FieldProjectID:       {"project_id", "project"},
	FieldEventType:       {"event_type", "compliance_event", "type", "category"},
	FieldRegulation:      {"regulation", "regulation_type", "framework"},
	FieldRiskLevel:       {"risk_level", "risk", "severity"},
	FieldConfidence:      {"confidence_score", "confidence"},
	FieldDeadline:        {"deadline", "due_date", "due"},
	FieldStakeholders:    {"stakeholders", "users", "mentions"},
	FieldDescription:     {"description", "summary", "text"},
}

func foldKey(k string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(strings.TrimSpace(k)))
}

// canonicalize maps arbitrarily spelled keys onto canonical field names.
// When several aliases of one field are present, the earliest alias wins;
// keys that fold to the same spelling resolve to the lexically smallest key.
func canonicalize(in map[string]any) RawEvent {
	type entry struct {
		key   string
		value any
	}
	folded := make(map[string]entry, len(in))
	for k, v := range in {
		fk := foldKey(k)
		if prev, exists := folded[fk]; exists && prev.key < k {
			continue
		}
		folded[fk] = entry{key: k, value: v}
	}

	out := make(RawEvent, len(fieldAliases))
	for field, aliases := range fieldAliases {
		for _, alias := range aliases {
			if e, ok := folded[foldKey(alias)]; ok && !isBlank(e.value) {
				out[field] = e.value
				break
			}
		}
	}
	return out
}

// JSONDecoder accepts a JSON object, optionally wrapped as {"event": {...}}.
type JSONDecoder struct{}

func (JSONDecoder) Decode(raw []byte) (RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"body": "malformed JSON: " + err.Error()}}
	}
	if body == nil {
		return nil, &ValidationError{Fields: map[string]string{"body": "expected a JSON object"}}
	}

	if nested, ok := body["event"].(map[string]any); ok {
		for k, v := range body {
			if k == "event" {
				continue
			}
			if _, set := nested[k]; !set {
				nested[k] = v
			}
		}
		body = nested
	}

	return canonicalize(body), nil
}

// FormDecoder accepts flattened application/x-www-form-urlencoded key/value pairs.
type FormDecoder struct{}

func (FormDecoder) Decode(raw []byte) (RawEvent, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"body": "malformed form: " + err.Error()}}
	}

	flat := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if fieldFor(k) == FieldStakeholders {
			flat[k] = vs
			continue
		}
		flat[k] = vs[0]
	}
	return canonicalize(flat), nil
}

func fieldFor(key string) string {
	fk := foldKey(key)
	for field, aliases := range fieldAliases {
		for _, alias := range aliases {
			if foldKey(alias) == fk {
				return field
			}
		}
	}
	return ""
}

const (
	EncodingJSON = "json"
	EncodingForm = "form"
)

// Registry selects a Decoder by content type and normalizes the result.
type Registry struct {
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{
		decoders: map[string]Decoder{
			EncodingJSON: JSONDecoder{},
			EncodingForm: FormDecoder{},
		},
	}
}

// Register adds or replaces the decoder for an encoding name.
func (r *Registry) Register(encoding string, d Decoder) {
	r.decoders[encoding] = d
}

// EncodingFor maps a Content-Type header to an encoding name. An empty
// header is sniffed from the body.
func EncodingFor(contentType string, raw []byte) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
			return EncodingJSON, nil
		}
		return EncodingForm, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return EncodingJSON, nil
	case mediaType == "application/x-www-form-urlencoded":
		return EncodingForm, nil
	}
	return "", fmt.Errorf("unsupported content type %q", mediaType)
}

func (r *Registry) Decode(contentType string, raw []byte) (RawEvent, string, error) {
	encoding, err := EncodingFor(contentType, raw)
	if err != nil {
		return nil, "", &ValidationError{Fields: map[string]string{"content_type": err.Error()}}
	}
	d, ok := r.decoders[encoding]
	if !ok {
		return nil, "", &ValidationError{Fields: map[string]string{"content_type": "no decoder for " + encoding}}
	}
	ev, err := d.Decode(raw)
	return ev, encoding, err
}

// DecodeEvent decodes raw with the decoder for contentType and normalizes it.
func (r *Registry) DecodeEvent(contentType string, raw []byte, now time.Time) (models.Event, error) {
	ev, _, err := r.Decode(contentType, raw)
	if err != nil {
		return models.Event{}, err
	}
	return Normalize(ev, now)
}
