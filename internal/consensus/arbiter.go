package consensus

import (
	"context"
	"errors"
	"math"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// ArbiterCandidate is one engine reading as presented to the arbiter
type ArbiterCandidate struct {
	Engine     string  `json:"engine"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Latex      string  `json:"latex,omitempty"`
}

// ArbiterRequest is the structured prompt input
type ArbiterRequest struct {
	QuestionNumber int                `json:"questionNumber"`
	Candidates     []ArbiterCandidate `json:"candidates"`
	Context        string             `json:"context,omitempty"`
	Math           bool               `json:"math"`
}

// ArbiterResponse is the structured output contract. Confidence is 0-100.
type ArbiterResponse struct {
	CorrectedText string   `json:"correctedText"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	Errors        []string `json:"errors"`
	MathValid     *bool    `json:"mathValid,omitempty"`
}

// Arbiter is a reasoning service that judges between disagreeing readings.
// Implementations return an error matching apperrors.ErrArbiterParseFailed
// when the reply does not satisfy the output contract.
type Arbiter interface {
	Arbitrate(ctx context.Context, req ArbiterRequest) (*ArbiterResponse, error)
}

// ArbiterFunc adapts a plain function to the Arbiter interface
type ArbiterFunc func(ctx context.Context, req ArbiterRequest) (*ArbiterResponse, error)

// Arbitrate calls f
func (f ArbiterFunc) Arbitrate(ctx context.Context, req ArbiterRequest) (*ArbiterResponse, error) {
	return f(ctx, req)
}

// AIArbiter delegates disagreements to an Arbiter and falls back to weighted
// vote, flagged for review, whenever the arbiter cannot be trusted.
type AIArbiter struct {
	client   Arbiter
	fallback *WeightedVote
}

// NewAIArbiter creates the arbiter strategy
func NewAIArbiter(client Arbiter, fallback *WeightedVote) *AIArbiter {
	if fallback == nil {
		fallback = NewWeightedVote(DefaultWeights())
	}
	return &AIArbiter{client: client, fallback: fallback}
}

// Strategy returns StrategyAIArbiter
func (a *AIArbiter) Strategy() Strategy { return StrategyAIArbiter }

// Resolve skips the service when the engines already agree
func (a *AIArbiter) Resolve(ctx context.Context, results []extraction.EngineResult, rc ResolveContext) (extraction.ConsensusResult, error) {
	if res, done, err := preflight(results); done {
		if err != nil {
			return extraction.ConsensusResult{}, err
		}
		return finalize(res, rc), nil
	}

	req := ArbiterRequest{
		QuestionNumber: rc.QuestionNumber,
		Candidates:     make([]ArbiterCandidate, 0, len(results)),
		Context:        rc.Hint,
	}
	for _, r := range results {
		req.Candidates = append(req.Candidates, ArbiterCandidate{
			Engine:     r.Engine,
			Text:       r.Text,
			Confidence: r.Confidence,
			Latex:      r.Latex,
		})
		if r.Latex != "" || IsMathematical(r.Text) {
			req.Math = true
		}
	}
	if rc.Math != nil {
		req.Math = *rc.Math
	}

	resp, err := a.client.Arbitrate(ctx, req)
	if err == nil && resp == nil {
		err = apperrors.NewArbiterParseError("", errors.New("empty arbiter response"))
	}
	if err != nil {
		if ctx.Err() != nil {
			return extraction.ConsensusResult{}, ctx.Err()
		}
		return finalize(a.fallbackResult(results, err), rc), nil
	}

	cands := candidates(results)
	serviceConfidence := math.Max(0, math.Min(100, resp.Confidence)) / 100
	confidence := 0.7*serviceConfidence + 0.3*meanConfidence(cands)

	target := Normalize(resp.CorrectedText)
	agree := 0
	for _, c := range cands {
		if c.norm == target {
			agree++
		}
	}
	ratio := float64(agree) / float64(len(cands))

	needsReview := confidence < ReviewThreshold || len(resp.Errors) > 3
	if resp.MathValid != nil && !*resp.MathValid {
		needsReview = true
	}

	return finalize(extraction.ConsensusResult{
		FinalText:         resp.CorrectedText,
		Confidence:        confidence,
		Method:            extraction.MethodAIArbiter,
		NeedsReview:       needsReview,
		AgreementRatio:    ratio,
		IndividualResults: copyResults(results),
		Reasoning:         resp.Reasoning,
		Corrections:       append([]string(nil), resp.Errors...),
		ArbiterCalls:      1,
	}, rc), nil
}

func (a *AIArbiter) fallbackResult(results []extraction.EngineResult, cause error) extraction.ConsensusResult {
	reason := "call"
	if errors.Is(cause, apperrors.ErrArbiterParseFailed) {
		reason = "parse"
	}
	arbiterFallbacks.WithLabelValues(reason).Inc()

	res := a.fallback.vote(results)
	res.Method = extraction.MethodWeighted
	res.NeedsReview = true
	res.Reasoning = "arbiter unavailable, weighted vote used: " + cause.Error()
	res.ArbiterCalls = 1
	return res
}
