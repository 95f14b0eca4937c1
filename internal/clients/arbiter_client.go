/**
 * Arbiter Client - reasoning model that settles disagreeing OCR readings
 *
 * Talks to any OpenAI-compatible chat completion endpoint (OpenAI itself,
 * OpenRouter, or the MageAgent gateway). The model is asked for a JSON object
 * and the reply is checked against a JSON schema before it is trusted; any
 * reply that does not match is reported as a parse failure so the caller can
 * fall back to weighted voting.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adverant/nexus/answer-extraction-worker/internal/consensus"
	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

var (
	arbiterDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "answer_extraction",
		Subsystem: "arbiter",
		Name:      "request_duration_seconds",
		Help:      "Duration of arbiter chat completion requests",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45},
	}, []string{"model"})

	arbiterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "arbiter",
		Name:      "failures_total",
		Help:      "Arbiter requests that failed or returned unusable output",
	}, []string{"model", "reason"})
)

// arbiterResponseSchema is the contract every arbiter reply must satisfy
const arbiterResponseSchema = `{
  "type": "object",
  "required": ["correctedText", "confidence", "reasoning", "errors"],
  "properties": {
    "correctedText": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "reasoning": {"type": "string"},
    "errors": {"type": "array", "items": {"type": "string"}},
    "mathValid": {"type": "boolean"}
  }
}`

// ArbiterConfig configures the arbiter client
type ArbiterConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Logger      *logging.Logger
}

// ArbiterClient implements consensus.Arbiter against a chat completion API
type ArbiterClient struct {
	client *openai.Client
	cfg    ArbiterConfig
	schema *jsonschema.Schema
	tracer trace.Tracer
	logger *logging.Logger
}

// NewArbiterClient creates a new arbiter client
func NewArbiterClient(cfg ArbiterConfig) (*ArbiterClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("arbiter api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("ArbiterClient")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("arbiter.json", bytes.NewReader([]byte(arbiterResponseSchema))); err != nil {
		return nil, fmt.Errorf("failed to load arbiter schema: %w", err)
	}
	schema, err := compiler.Compile("arbiter.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile arbiter schema: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &ArbiterClient{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		schema: schema,
		tracer: otel.Tracer("github.com/adverant/nexus/answer-extraction-worker/internal/clients/arbiter"),
		logger: cfg.Logger,
	}, nil
}

// Model returns the configured model name
func (c *ArbiterClient) Model() string { return c.cfg.Model }

// Arbitrate asks the model to pick or correct the answer from the candidates
func (c *ArbiterClient) Arbitrate(parent context.Context, req consensus.ArbiterRequest) (*consensus.ArbiterResponse, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "arbiter.arbitrate", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
		attribute.Int("question", req.QuestionNumber),
		attribute.Int("candidates", len(req.Candidates)),
	))
	defer span.End()

	prompt, err := buildArbiterPrompt(req)
	if err != nil {
		return nil, apperrors.NewArbiterFailedError(c.cfg.Model, err)
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: arbiterSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	arbiterDuration.WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, c.fail(span, "request", apperrors.NewArbiterFailedError(c.cfg.Model, err))
	}
	if len(resp.Choices) == 0 {
		return nil, c.fail(span, "empty", apperrors.NewArbiterParseError("", fmt.Errorf("no choices returned")))
	}

	content := resp.Choices[0].Message.Content
	out, err := c.parse(content)
	if err != nil {
		return nil, c.fail(span, "parse", err)
	}

	c.logger.Debug("Arbiter resolved question",
		"question", req.QuestionNumber,
		"model", c.cfg.Model,
		"confidence", out.Confidence,
		"corrections", len(out.Errors),
		"duration", time.Since(start).String())

	return out, nil
}

func (c *ArbiterClient) fail(span trace.Span, reason string, err error) error {
	arbiterFailures.WithLabelValues(c.cfg.Model, reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("Arbiter request failed", "model", c.cfg.Model, "reason", reason, "error", err)
	return err
}

// parse decodes the reply, tolerating code fences and surrounding prose, and
// validates it against arbiterResponseSchema.
func (c *ArbiterClient) parse(content string) (*consensus.ArbiterResponse, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, apperrors.NewArbiterParseError(content, fmt.Errorf("no JSON object in reply"))
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, apperrors.NewArbiterParseError(content, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, apperrors.NewArbiterParseError(content, err)
	}

	var out consensus.ArbiterResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, apperrors.NewArbiterParseError(content, err)
	}
	return &out, nil
}

func extractJSONObject(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if strings.TrimSpace(lines[len(lines)-1]) == "```" {
				lines = lines[:len(lines)-1]
			}
			trimmed = strings.TrimSpace(strings.Join(lines, "\n"))
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return ""
	}
	return trimmed[start : end+1]
}

const arbiterSystemPrompt = "You adjudicate between OCR readings of one handwritten student answer. " +
	"Several engines read the same region and disagree. Decide what the student most likely wrote, " +
	"correcting obvious recognition mistakes (O for 0, l for 1, dropped signs) but never the student's own errors. " +
	"Respond with a JSON object: correctedText (string), confidence (0-100), reasoning (string), " +
	"errors (array of strings describing each recognition error you corrected), and mathValid " +
	"(boolean, only when the answer is a mathematical expression)."

func buildArbiterPrompt(req consensus.ArbiterRequest) (string, error) {
	candidates, err := json.MarshalIndent(req.Candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode candidates: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Question %d\n", req.QuestionNumber)
	if req.Context != "" {
		b.WriteString("\n## Context\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}
	if req.Math {
		b.WriteString("\nThe answer is a mathematical expression. Check that it is well formed and set mathValid.\n")
	}
	b.WriteString("\n## Engine readings\n")
	b.Write(candidates)
	b.WriteString("\n\nReturn JSON.")
	return b.String(), nil
}
