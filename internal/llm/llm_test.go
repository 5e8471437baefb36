package llm

import (
	"context"
	"errors"
	"testing"
)

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Extraction
		wantErr bool
	}{
		{
			name: "plain object",
			in:   `{"entities":{"compliance_event":"approval","regulation_type":"GDPR","risk_level":"High","decision_type":"approved"},"confidence":0.92}`,
			want: Extraction{Entities: Entities{"approval", "GDPR", "High", "approved"}, Confidence: 0.92},
		},
		{
			name: "fenced with prose",
			in:   "Here you go:\n```json\n{\"entities\":{\"compliance_event\":\"milestone\"},\"confidence\":1.7}\n```",
			want: Extraction{Entities: Entities{ComplianceEvent: "milestone"}, Confidence: 1},
		},
		{name: "no object", in: "I cannot help with that", wantErr: true},
		{name: "broken json", in: `{"entities": }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if *got != tt.want {
				t.Fatalf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestIsComplianceEvent(t *testing.T) {
	tests := []struct {
		ext  Extraction
		want bool
	}{
		{Extraction{Entities: Entities{ComplianceEvent: "approval"}}, true},
		{Extraction{Entities: Entities{ComplianceEvent: "none"}}, false},
		{Extraction{Entities: Entities{}}, false},
		{Extraction{Entities: Entities{ComplianceEvent: "none", DecisionType: "rejected"}}, true},
	}
	for _, tt := range tests {
		if got := tt.ext.IsComplianceEvent(); got != tt.want {
			t.Errorf("IsComplianceEvent(%+v) = %v, want %v", tt.ext.Entities, got, tt.want)
		}
	}
}

func TestKeywordExtractor(t *testing.T) {
	x := NewKeywordExtractor()
	tests := []struct {
		text       string
		event      string
		regulation string
		risk       string
	}{
		{"Legal approved the GDPR data processing agreement", "approval", "GDPR", "Low"},
		{"We found a critical breach in the HIPAA audit logs", "audit_action", "HIPAA", "Critical"},
		{"lunch at noon?", "none", "General", "Low"},
		{"SOC 2 milestone is due Friday", "milestone", "SOC 2", "Low"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			ext, err := x.Extract(context.Background(), tt.text)
			if err != nil {
				t.Fatal(err)
			}
			e := ext.Entities
			if e.ComplianceEvent != tt.event || e.RegulationType != tt.regulation || e.RiskLevel != tt.risk {
				t.Fatalf("got %+v", e)
			}
			if ext.Confidence < 0 || ext.Confidence > 0.6 {
				t.Fatalf("confidence %v out of range", ext.Confidence)
			}
		})
	}
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Extract(context.Context, string) (*Extraction, error) {
	return nil, errors.New("model unavailable")
}

func TestFallbackExtractor(t *testing.T) {
	f := NewFallbackExtractor(failing{}, NewKeywordExtractor())
	ext, err := f.Extract(context.Background(), "the auditor requested evidence for SOX")
	if err != nil {
		t.Fatal(err)
	}
	if ext.Entities.ComplianceEvent != "audit_action" || ext.Entities.RegulationType != "SOX" {
		t.Fatalf("fallback result %+v", ext.Entities)
	}
	if f.Name() != "failing+keyword" {
		t.Fatalf("name = %s", f.Name())
	}
}
