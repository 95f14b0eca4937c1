// Package consensus reduces several engines' readings of the same region to
// one answer with a confidence score and a review flag.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// ReviewThreshold is the confidence under which answers go to a human
const ReviewThreshold = 0.75

// Strategy names a consensus algorithm
type Strategy string

const (
	StrategyMajority     Strategy = "majority"
	StrategyWeighted     Strategy = "weighted"
	StrategyClustering   Strategy = "clustering"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyAIArbiter    Strategy = "ai_arbiter"
)

// ParseStrategy validates a configured strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyMajority, StrategyWeighted, StrategyClustering, StrategyHierarchical, StrategyAIArbiter:
		return st, nil
	case "ai", "arbiter":
		return StrategyAIArbiter, nil
	default:
		return "", fmt.Errorf("unknown consensus strategy %q", s)
	}
}

// ResolveContext carries optional per-question hints
type ResolveContext struct {
	QuestionNumber int
	// Hint is free text passed to the arbiter (subject, expected answer form)
	Hint string
	// Math forces (true) or suppresses (false) the expression post-check;
	// nil means detect it from the text.
	Math *bool
}

// Resolver turns a non-empty set of engine results into one answer
type Resolver interface {
	Strategy() Strategy
	Resolve(ctx context.Context, results []extraction.EngineResult, rc ResolveContext) (extraction.ConsensusResult, error)
}

// Config is the immutable tuning shared by all strategies
type Config struct {
	Weights           Weights
	DistanceThreshold int
	MergeThreshold    int
}

// DefaultConfig returns default thresholds and the default weight table
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		DistanceThreshold: 3,
		MergeThreshold:    5,
	}
}

// New builds the resolver for a strategy. arbiter is required only for
// StrategyAIArbiter.
func New(strategy Strategy, cfg Config, arbiter Arbiter) (Resolver, error) {
	if cfg.DistanceThreshold < 0 {
		cfg.DistanceThreshold = 0
	}
	if cfg.MergeThreshold < cfg.DistanceThreshold {
		cfg.MergeThreshold = cfg.DistanceThreshold
	}

	switch strategy {
	case StrategyMajority:
		return &MajorityVote{}, nil
	case StrategyWeighted:
		return NewWeightedVote(cfg.Weights), nil
	case StrategyClustering:
		return NewClustering(cfg.DistanceThreshold, 0), nil
	case StrategyHierarchical:
		return NewClustering(cfg.DistanceThreshold, cfg.MergeThreshold), nil
	case StrategyAIArbiter:
		if arbiter == nil {
			return nil, fmt.Errorf("ai_arbiter strategy requires an arbiter client")
		}
		return NewAIArbiter(arbiter, NewWeightedVote(cfg.Weights)), nil
	default:
		return nil, fmt.Errorf("unknown consensus strategy %q", strategy)
	}
}

// candidate is an engine result paired with its normalized text
type candidate struct {
	result extraction.EngineResult
	norm   string
}

func candidates(results []extraction.EngineResult) []candidate {
	out := make([]candidate, len(results))
	for i, r := range results {
		out[i] = candidate{result: r, norm: Normalize(r.Text)}
	}
	return out
}

func copyResults(results []extraction.EngineResult) []extraction.EngineResult {
	return append([]extraction.EngineResult(nil), results...)
}

// preflight applies the rules shared by every strategy: empty input is an
// error, a single result is unanimous, and identical normalized texts are
// unanimous too. done reports whether the caller should return res as is.
func preflight(results []extraction.EngineResult) (res extraction.ConsensusResult, done bool, err error) {
	if len(results) == 0 {
		return extraction.ConsensusResult{}, true, apperrors.ErrNoResults
	}

	if len(results) == 1 {
		r := results[0]
		return extraction.ConsensusResult{
			FinalText:         r.Text,
			Confidence:        r.Confidence,
			Method:            extraction.MethodUnanimous,
			NeedsReview:       r.Confidence < ReviewThreshold,
			AgreementRatio:    1.0,
			IndividualResults: copyResults(results),
		}, true, nil
	}

	cands := candidates(results)
	for _, c := range cands[1:] {
		if c.norm != cands[0].norm {
			return extraction.ConsensusResult{}, false, nil
		}
	}

	avg := meanConfidence(cands)
	return extraction.ConsensusResult{
		FinalText:         bestByConfidence(cands).result.Text,
		Confidence:        avg,
		Method:            extraction.MethodUnanimous,
		NeedsReview:       avg < ReviewThreshold,
		AgreementRatio:    1.0,
		IndividualResults: copyResults(results),
	}, true, nil
}

// finalize runs the expression post-check and records metrics
func finalize(res extraction.ConsensusResult, rc ResolveContext) extraction.ConsensusResult {
	res.Confidence = clamp01(res.Confidence)
	res.AgreementRatio = clamp01(res.AgreementRatio)

	if shouldCheckMath(res, rc) {
		v := ValidateMath(res.FinalText)
		res.MathValidation = &v
		if !v.Valid {
			res.NeedsReview = true
		}
	}

	consensusMethods.WithLabelValues(string(res.Method)).Inc()
	if res.NeedsReview {
		reviewFlags.WithLabelValues(string(res.Method)).Inc()
	}
	return res
}

func shouldCheckMath(res extraction.ConsensusResult, rc ResolveContext) bool {
	if rc.Math != nil {
		return *rc.Math
	}
	for _, r := range res.IndividualResults {
		if strings.TrimSpace(r.Latex) != "" && IsMathematical(r.Latex) {
			return true
		}
	}
	return IsMathematical(res.FinalText)
}

func meanConfidence(cands []candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range cands {
		sum += c.result.Confidence
	}
	return sum / float64(len(cands))
}

// bestByConfidence returns the highest-confidence member, ties broken by
// engine ID so the choice does not depend on input order.
func bestByConfidence(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.result.Confidence > best.result.Confidence ||
			(c.result.Confidence == best.result.Confidence && c.result.Engine < best.result.Engine) {
			best = c
		}
	}
	return best
}

// sortCandidates orders candidates canonically so grouping is independent of
// the order engines happened to finish in.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.norm != b.norm {
			return a.norm < b.norm
		}
		if a.result.Engine != b.result.Engine {
			return a.result.Engine < b.result.Engine
		}
		return a.result.Confidence > b.result.Confidence
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
