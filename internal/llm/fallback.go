package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// Extractor classifies raw message text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// KeywordExtractor is a local extractor that labels messages from token
// keywords. Its confidence is capped below what the model typically reports.
type KeywordExtractor struct{}

func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

func (KeywordExtractor) Name() string { return "keyword" }

var (
	eventKeywords = []struct {
		event string
		words []string
	}{
		{"approval", []string{"approve", "approved", "approval", "sign-off", "signoff", "lgtm"}},
		{"audit_action", []string{"audit", "auditor", "evidence", "attestation"}},
		{"risk_discussion", []string{"risk", "breach", "vulnerability", "exposure", "incident"}},
		{"milestone", []string{"milestone", "deadline", "launch", "release", "due"}},
		{"decision", []string{"decided", "decision", "agreed", "reject", "rejected", "defer", "deferred"}},
	}

	// Ordered so a message naming several labels resolves the same way every time.
	regulationKeywords = [][2]string{
		{"gdpr", "GDPR"},
		{"hipaa", "HIPAA"},
		{"sox", "SOX"},
		{"pci", "PCI-DSS"},
		{"pci-dss", "PCI-DSS"},
		{"iso27001", "ISO 27001"},
		{"soc2", "SOC 2"},
	}

	decisionKeywords = [][2]string{
		{"approved", "approved"},
		{"lgtm", "approved"},
		{"rejected", "rejected"},
		{"reject", "rejected"},
		{"deferred", "deferred"},
		{"defer", "deferred"},
	}

	riskKeywords = map[string]string{
		"critical": "Critical",
		"urgent":   "High",
		"breach":   "Critical",
		"high":     "High",
		"medium":   "Medium",
	}

	riskRank = map[string]int{"": 0, "Low": 1, "Medium": 2, "High": 3, "Critical": 4}
)

func (KeywordExtractor) Extract(_ context.Context, text string) (*Extraction, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize message: %w", err)
	}

	seen := make(map[string]bool)
	for _, tok := range doc.Tokens() {
		seen[strings.ToLower(tok.Text)] = true
	}
	// "ISO 27001" and "SOC 2" arrive as two tokens.
	lower := strings.ToLower(text)
	if strings.Contains(lower, "iso 27001") {
		seen["iso27001"] = true
	}
	if strings.Contains(lower, "soc 2") {
		seen["soc2"] = true
	}

	ext := &Extraction{Entities: Entities{ComplianceEvent: "none", RegulationType: "General", RiskLevel: "Low"}}
	hits := 0

	for _, k := range eventKeywords {
		if anySeen(seen, k.words) {
			ext.Entities.ComplianceEvent = k.event
			hits++
			break
		}
	}
	for _, kw := range regulationKeywords {
		if seen[kw[0]] {
			ext.Entities.RegulationType = kw[1]
			hits++
			break
		}
	}
	for _, kw := range decisionKeywords {
		if seen[kw[0]] {
			ext.Entities.DecisionType = kw[1]
			break
		}
	}
	for word, risk := range riskKeywords {
		if seen[word] && riskRank[risk] > riskRank[ext.Entities.RiskLevel] {
			ext.Entities.RiskLevel = risk
		}
	}

	ext.Confidence = float64(hits) * 0.3
	if ext.Confidence > 0.6 {
		ext.Confidence = 0.6
	}
	metrics.ExtractionRequests.WithLabelValues("keyword", "ok").Inc()
	return ext, nil
}

func anySeen(seen map[string]bool, words []string) bool {
	for _, w := range words {
		if seen[w] {
			return true
		}
	}
	return false
}

// FallbackExtractor tries the primary extractor and falls back to the
// secondary when it fails, so an unavailable model never blocks ingestion.
type FallbackExtractor struct {
	primary   Extractor
	secondary Extractor
}

func NewFallbackExtractor(primary, secondary Extractor) *FallbackExtractor {
	return &FallbackExtractor{primary: primary, secondary: secondary}
}

func (f *FallbackExtractor) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *FallbackExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	ext, err := f.primary.Extract(ctx, text)
	if err == nil {
		return ext, nil
	}

	logger.Warn("Primary extractor failed, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err),
	)
	return f.secondary.Extract(ctx, text)
}
