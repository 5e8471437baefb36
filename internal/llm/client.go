package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/circuitbreaker"
	"github.com/compliance-ledger/backend/pkg/logger"
	"github.com/compliance-ledger/backend/pkg/retry"
)

// ErrEmptyCompletion is returned when the model answers with no choices.
var ErrEmptyCompletion = errors.New("empty completion")

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSON         bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Entities are the labels the extraction service assigns to a message.
type Entities struct {
	ComplianceEvent string `json:"compliance_event"`
	RegulationType  string `json:"regulation_type"`
	RiskLevel       string `json:"risk_level"`
	DecisionType    string `json:"decision_type"`
}

// Extraction is the extraction service response contract.
type Extraction struct {
	Entities   Entities `json:"entities"`
	Confidence float64  `json:"confidence"`
}

// IsComplianceEvent reports whether the message carried anything worth recording.
func (e Extraction) IsComplianceEvent() bool {
	switch strings.ToLower(strings.TrimSpace(e.Entities.ComplianceEvent)) {
	case "", "none", "false", "no", "null":
		return strings.TrimSpace(e.Entities.DecisionType) != ""
	}
	return true
}

func NewClient(apiKey, baseURL, model string, temperature float32, maxTokens int, timeout time.Duration) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveGuard,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger.Info("LLM client initialized", zap.String("model", model))

	return &Client{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return ErrEmptyCompletion
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

const extractionPrompt = `You classify team chat messages for a compliance ledger.

Return a JSON object:
{"entities": {"compliance_event": "...", "regulation_type": "...", "risk_level": "...", "decision_type": "..."}, "confidence": 0.0}

compliance_event: one of approval, decision, risk_discussion, milestone, audit_action, other, none
regulation_type: GDPR, HIPAA, SOX, PCI-DSS, ISO 27001, SOC 2, or General
risk_level: Low, Medium, High or Critical
decision_type: approved, rejected, deferred, or empty
confidence: your confidence in [0, 1]

Use "none" for compliance_event when the message is not about compliance work.`

// Extract classifies a message through the model.
func (c *Client) Extract(ctx context.Context, text string) (*Extraction, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: extractionPrompt,
		UserPrompt:   text,
		Temperature:  0.1,
		MaxTokens:    200,
		JSON:         true,
	})
	if err != nil {
		metrics.ExtractionRequests.WithLabelValues(c.Name(), "error").Inc()
		return nil, fmt.Errorf("failed to extract: %w", err)
	}

	ext, err := ParseExtraction(resp.Content)
	if err != nil {
		metrics.ExtractionRequests.WithLabelValues(c.Name(), "invalid").Inc()
		return nil, err
	}

	metrics.ExtractionRequests.WithLabelValues(c.Name(), "ok").Inc()
	logger.Debug("Message classified",
		zap.String("compliance_event", ext.Entities.ComplianceEvent),
		zap.String("regulation_type", ext.Entities.RegulationType),
		zap.Float64("confidence", ext.Confidence),
	)
	return ext, nil
}

// ParseExtraction decodes a model answer, tolerating prose or code fences
// around the JSON object.
func ParseExtraction(content string) (*Extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &ext); err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %w", err)
	}
	if ext.Confidence < 0 {
		ext.Confidence = 0
	}
	if ext.Confidence > 1 {
		ext.Confidence = 1
	}
	return &ext, nil
}
