package consensus

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

func result(engine, text string, confidence float64) extraction.EngineResult {
	return extraction.EngineResult{Engine: engine, Text: text, Confidence: confidence}
}

func allStrategies(t *testing.T, arbiter Arbiter) []Resolver {
	t.Helper()
	var out []Resolver
	for _, s := range []Strategy{StrategyMajority, StrategyWeighted, StrategyClustering, StrategyHierarchical, StrategyAIArbiter} {
		r, err := New(s, DefaultConfig(), arbiter)
		require.NoError(t, err)
		require.Equal(t, s, r.Strategy())
		out = append(out, r)
	}
	return out
}

func failingArbiter(err error) (Arbiter, *int32) {
	var calls int32
	return ArbiterFunc(func(context.Context, ArbiterRequest) (*ArbiterResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, err
	}), &calls
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"2O5":                    "205",
		"  The Answer\tis  42. ": "the answer is 42",
		"1oo":                    "100",
		"s5":                     "55",
		"solve":                  "solve",
		"Forty two!?":            "forty two",
		"x = 1O":                 "x = 10",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, Levenshtein("", ""))
	assert.Equal(t, 3, Levenshtein("", "abc"))
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 1, Levenshtein("7", "1"))
	assert.Equal(t, 1, Levenshtein("x²", "x³"))

	pairs := [][2]string{{"kitten", "sitting"}, {"flaw", "lawn"}, {"205", "250"}, {"", "x"}}
	for _, p := range pairs {
		assert.Equal(t, Levenshtein(p[0], p[1]), Levenshtein(p[1], p[0]), "%q vs %q", p[0], p[1])
	}
}

func TestSimilarTightensForShortStrings(t *testing.T) {
	assert.False(t, sameWeightedGroup("7", "1", 2))
	assert.False(t, sameWeightedGroup("12", "13", 2))
	assert.True(t, sameWeightedGroup("fourty two", "forty two", 2))
	assert.True(t, sameWeightedGroup("42", "42", 0))

	assert.True(t, withinDistance("205", "250", 3))
	assert.True(t, withinDistance("1234", "1243", 2))
	assert.False(t, withinDistance("1234", "4321", 3))
}

func TestValidateMath(t *testing.T) {
	assert.False(t, ValidateMath("(2+3").Valid)
	assert.False(t, ValidateMath("2+").Valid)
	assert.True(t, ValidateMath("(2+3)*4").Valid)

	assert.True(t, ValidateMath("-3+4").Valid)
	assert.True(t, ValidateMath("2*-3").Valid)
	assert.False(t, ValidateMath("2+*3").Valid)
	assert.False(t, ValidateMath("2x+1").Valid)
	assert.False(t, ValidateMath("(+2)").Valid)
	assert.False(t, ValidateMath("2)").Valid)

	v := ValidateMath("((2+3]")
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Issues)
}

func TestIsMathematical(t *testing.T) {
	assert.True(t, IsMathematical("2+3=5"))
	assert.True(t, IsMathematical("(2+3"))
	assert.False(t, IsMathematical("42"))
	assert.False(t, IsMathematical("the answer is 5"))
	assert.False(t, IsMathematical(""))
}

func TestWeights(t *testing.T) {
	w := NewWeights(map[string]float64{"Pix2Text": 2, "bad": -1})
	assert.Equal(t, 2.0, w.Weight("pix2text"))
	assert.Equal(t, 1.0, w.Weight("bad"))
	assert.Equal(t, 1.0, w.Weight("unknown"))

	parsed, err := ParseWeights("surya=2.5, tesseract=0.4", DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, 2.5, parsed.Weight("surya"))
	assert.Equal(t, 0.4, parsed.Weight("tesseract"))
	assert.Equal(t, 1.5, parsed.Weight("mageagent"))
	assert.Equal(t, 1.1, DefaultWeights().Weight("surya"), "base table must not change")

	_, err = ParseWeights("surya", DefaultWeights())
	require.Error(t, err)
	_, err = ParseWeights("surya=0", DefaultWeights())
	require.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Weighted ")
	require.NoError(t, err)
	assert.Equal(t, StrategyWeighted, s)

	s, err = ParseStrategy("arbiter")
	require.NoError(t, err)
	assert.Equal(t, StrategyAIArbiter, s)

	_, err = ParseStrategy("coin-flip")
	require.Error(t, err)
}

func TestNewRequiresArbiterClient(t *testing.T) {
	_, err := New(StrategyAIArbiter, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestEmptyResultsIsError(t *testing.T) {
	arb, _ := failingArbiter(stderrors.New("unused"))
	for _, r := range allStrategies(t, arb) {
		_, err := r.Resolve(context.Background(), nil, ResolveContext{})
		require.ErrorIs(t, err, apperrors.ErrNoResults, "strategy %s", r.Strategy())
	}
}

func TestSingleResultIsUnanimous(t *testing.T) {
	arb, calls := failingArbiter(stderrors.New("unused"))
	for _, r := range allStrategies(t, arb) {
		res, err := r.Resolve(context.Background(), []extraction.EngineResult{result("surya", "Paris", 0.82)}, ResolveContext{})
		require.NoError(t, err)
		assert.Equal(t, extraction.MethodUnanimous, res.Method, "strategy %s", r.Strategy())
		assert.Equal(t, 1.0, res.AgreementRatio)
		assert.Equal(t, 0.82, res.Confidence)
		assert.Equal(t, "Paris", res.FinalText)
		assert.False(t, res.NeedsReview)
	}
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestIdenticalNormalizedTextsAreUnanimous(t *testing.T) {
	results := []extraction.EngineResult{
		result("paddleocr", "Forty two.", 0.7),
		result("surya", "forty  two", 0.9),
		result("tesseract", "FORTY TWO", 0.8),
	}
	arb, calls := failingArbiter(stderrors.New("unused"))
	for _, r := range allStrategies(t, arb) {
		res, err := r.Resolve(context.Background(), results, ResolveContext{})
		require.NoError(t, err)
		assert.Equal(t, extraction.MethodUnanimous, res.Method)
		assert.Equal(t, "forty  two", res.FinalText)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
		assert.Equal(t, 1.0, res.AgreementRatio)
		assert.False(t, res.NeedsReview)
	}
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestSingleResultUnderThresholdNeedsReview(t *testing.T) {
	res, err := (&MajorityVote{}).Resolve(context.Background(), []extraction.EngineResult{result("a", "Paris", 0.5)}, ResolveContext{})
	require.NoError(t, err)
	assert.True(t, res.NeedsReview)
}

func TestMajorityVote(t *testing.T) {
	res, err := (&MajorityVote{}).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "42", 0.9),
		result("b", "17", 0.95),
		result("c", "42.", 0.8),
	}, ResolveContext{})
	require.NoError(t, err)

	assert.Equal(t, extraction.MethodMajority, res.Method)
	assert.Equal(t, "42", res.FinalText)
	assert.InDelta(t, 2.0/3.0, res.AgreementRatio, 1e-9)
	assert.InDelta(t, 0.85*2.0/3.0, res.Confidence, 1e-9)
	assert.False(t, res.NeedsReview)
	assert.Len(t, res.IndividualResults, 3)
}

func TestMajorityVoteSplitNeedsReview(t *testing.T) {
	res, err := (&MajorityVote{}).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "12", 0.9),
		result("b", "21", 0.9),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.AgreementRatio)
	assert.True(t, res.NeedsReview)
}

func TestWeightedVoteSevenSevenOne(t *testing.T) {
	results := []extraction.EngineResult{
		result("a", "7", 0.9),
		result("b", "7", 0.85),
		result("c", "1", 0.6),
	}
	res, err := NewWeightedVote(NewWeights(nil)).Resolve(context.Background(), results, ResolveContext{})
	require.NoError(t, err)

	assert.Equal(t, extraction.MethodWeighted, res.Method)
	assert.Equal(t, "7", res.FinalText)
	assert.InDelta(t, 2.0/3.0, res.AgreementRatio, 1e-9)
	assert.InDelta(t, 0.875*2.0/3.0, res.Confidence, 1e-9)
	assert.True(t, res.NeedsReview)
}

func TestWeightedVoteWeightsCanOverturnCount(t *testing.T) {
	w := NewWeights(map[string]float64{"pix2text": 3})
	res, err := NewWeightedVote(w).Resolve(context.Background(), []extraction.EngineResult{
		result("paddleocr", "x=4", 0.8),
		result("surya", "x=4", 0.8),
		result("pix2text", "y=19", 0.9),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.Equal(t, "y=19", res.FinalText)
	assert.InDelta(t, 1.0/3.0, res.AgreementRatio, 1e-9)
}

func TestWeightedVoteIsOrderIndependent(t *testing.T) {
	base := []extraction.EngineResult{
		result("paddleocr", "photosynthesis", 0.8),
		result("surya", "photosynthesys", 0.7),
		result("pix2text", "glucose", 0.9),
		result("tesseract", "photosynthesis", 0.6),
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}

	vote := NewWeightedVote(DefaultWeights())
	var first extraction.ConsensusResult
	for i, order := range orders {
		permuted := make([]extraction.EngineResult, len(order))
		for j, idx := range order {
			permuted[j] = base[idx]
		}
		res, err := vote.Resolve(context.Background(), permuted, ResolveContext{})
		require.NoError(t, err)
		if i == 0 {
			first = res
			continue
		}
		assert.Equal(t, first.FinalText, res.FinalText)
		assert.Equal(t, first.Confidence, res.Confidence)
		assert.Equal(t, first.AgreementRatio, res.AgreementRatio)
		assert.Equal(t, first.NeedsReview, res.NeedsReview)
	}
	assert.Equal(t, "photosynthesis", first.FinalText)
	assert.InDelta(t, 0.75, first.AgreementRatio, 1e-9)
}

func TestClusteringNormalizesLookalikes(t *testing.T) {
	res, err := NewClustering(3, 0).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "205", 0.9),
		result("b", "2O5", 0.8),
		result("c", "250", 0.7),
	}, ResolveContext{})
	require.NoError(t, err)

	// "250" is two edits from "205", inside the threshold of 3
	assert.Equal(t, extraction.MethodClustering, res.Method)
	assert.Equal(t, "205", res.FinalText)
	assert.InDelta(t, 1.0, res.AgreementRatio, 1e-9)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.False(t, res.NeedsReview)
}

func TestClusteringUsesFullThresholdOnShortAnswers(t *testing.T) {
	res, err := NewClustering(3, 0).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "1234", 0.9),
		result("b", "1243", 0.8),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.Equal(t, "1234", res.FinalText)
	assert.InDelta(t, 1.0, res.AgreementRatio, 1e-9)

	res, err = NewClustering(1, 0).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "1234", 0.9),
		result("b", "1243", 0.8),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.AgreementRatio, 1e-9)
}

func TestWeightedKeepsShortDigitsApart(t *testing.T) {
	res, err := NewWeightedVote(DefaultWeights()).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "12", 0.9),
		result("b", "13", 0.8),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.Equal(t, "12", res.FinalText)
	assert.InDelta(t, 0.5, res.AgreementRatio, 1e-9)
	assert.True(t, res.NeedsReview)
}

func TestHierarchicalMergesCloseClusters(t *testing.T) {
	results := []extraction.EngineResult{
		result("a", "photosynthesis", 0.9),
		result("b", "photosinthesys", 0.8),
		result("c", "glucose", 0.7),
	}

	flat, err := NewClustering(1, 0).Resolve(context.Background(), results, ResolveContext{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, flat.AgreementRatio, 1e-9)
	assert.Equal(t, "photosynthesis", flat.FinalText)

	c := NewClustering(1, 3)
	assert.Equal(t, StrategyHierarchical, c.Strategy())
	merged, err := c.Resolve(context.Background(), results, ResolveContext{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, merged.AgreementRatio, 1e-9)
	assert.Equal(t, "photosynthesis", merged.FinalText)
	assert.InDelta(t, 0.85*2.0/3.0, merged.Confidence, 1e-9)
}

func TestMathPostCheckForcesReview(t *testing.T) {
	res, err := NewWeightedVote(DefaultWeights()).Resolve(context.Background(),
		[]extraction.EngineResult{result("pix2text", "(2+3", 0.95)}, ResolveContext{})
	require.NoError(t, err)
	require.NotNil(t, res.MathValidation)
	assert.False(t, res.MathValidation.Valid)
	assert.True(t, res.NeedsReview)

	off := false
	res, err = NewWeightedVote(DefaultWeights()).Resolve(context.Background(),
		[]extraction.EngineResult{result("pix2text", "(2+3", 0.95)}, ResolveContext{Math: &off})
	require.NoError(t, err)
	assert.Nil(t, res.MathValidation)
	assert.False(t, res.NeedsReview)
}

func TestArbiterFailureFallsBackToWeighted(t *testing.T) {
	results := []extraction.EngineResult{
		result("paddleocr", "42", 0.95),
		result("surya", "42", 0.95),
		result("pix2text", "47", 0.9),
	}

	for _, cause := range []error{
		stderrors.New("connection refused"),
		apperrors.NewArbiterParseError("not json", stderrors.New("invalid character")),
	} {
		arb, calls := failingArbiter(cause)
		res, err := NewAIArbiter(arb, NewWeightedVote(DefaultWeights())).Resolve(context.Background(), results, ResolveContext{QuestionNumber: 3})
		require.NoError(t, err)

		assert.Equal(t, int32(1), atomic.LoadInt32(calls))
		assert.Equal(t, extraction.MethodWeighted, res.Method)
		assert.True(t, res.NeedsReview)
		assert.Equal(t, "42", res.FinalText)
		assert.Equal(t, 1, res.ArbiterCalls)
		assert.Contains(t, res.Reasoning, "weighted")
	}
}

func TestArbiterNilResponseFallsBack(t *testing.T) {
	arb := ArbiterFunc(func(context.Context, ArbiterRequest) (*ArbiterResponse, error) { return nil, nil })
	res, err := NewAIArbiter(arb, nil).Resolve(context.Background(), []extraction.EngineResult{
		result("a", "yes", 0.9),
		result("b", "no", 0.9),
	}, ResolveContext{})
	require.NoError(t, err)
	assert.Equal(t, extraction.MethodWeighted, res.Method)
	assert.True(t, res.NeedsReview)
}

func TestArbiterCancelledContextReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	arb := ArbiterFunc(func(ctx context.Context, _ ArbiterRequest) (*ArbiterResponse, error) { return nil, ctx.Err() })
	_, err := NewAIArbiter(arb, nil).Resolve(ctx, []extraction.EngineResult{
		result("a", "yes", 0.9),
		result("b", "no", 0.9),
	}, ResolveContext{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestArbiterSuccess(t *testing.T) {
	var got ArbiterRequest
	arb := ArbiterFunc(func(_ context.Context, req ArbiterRequest) (*ArbiterResponse, error) {
		got = req
		return &ArbiterResponse{
			CorrectedText: "42",
			Confidence:    90,
			Reasoning:     "second reading mistakes 2 for 7",
			Errors:        []string{"pix2text: 7 -> 2"},
		}, nil
	})

	res, err := NewAIArbiter(arb, nil).Resolve(context.Background(), []extraction.EngineResult{
		result("paddleocr", "42", 0.9),
		result("pix2text", "47", 0.6),
	}, ResolveContext{QuestionNumber: 8, Hint: "integer"})
	require.NoError(t, err)

	assert.Equal(t, 8, got.QuestionNumber)
	assert.Equal(t, "integer", got.Context)
	assert.Len(t, got.Candidates, 2)
	assert.False(t, got.Math)

	assert.Equal(t, extraction.MethodAIArbiter, res.Method)
	assert.Equal(t, "42", res.FinalText)
	assert.InDelta(t, 0.7*0.9+0.3*0.75, res.Confidence, 1e-9)
	assert.Equal(t, 0.5, res.AgreementRatio)
	assert.False(t, res.NeedsReview)
	assert.Equal(t, []string{"pix2text: 7 -> 2"}, res.Corrections)
	assert.Equal(t, 1, res.ArbiterCalls)
}

func TestArbiterReviewRules(t *testing.T) {
	results := []extraction.EngineResult{
		result("paddleocr", "42", 0.9),
		result("pix2text", "47", 0.9),
	}
	invalid := false

	cases := map[string]*ArbiterResponse{
		"low confidence": {CorrectedText: "42", Confidence: 60},
		"many errors":    {CorrectedText: "42", Confidence: 100, Errors: []string{"a", "b", "c", "d"}},
		"math invalid":   {CorrectedText: "42", Confidence: 100, MathValid: &invalid},
	}
	for name, resp := range cases {
		resp := resp
		arb := ArbiterFunc(func(context.Context, ArbiterRequest) (*ArbiterResponse, error) { return resp, nil })
		res, err := NewAIArbiter(arb, nil).Resolve(context.Background(), results, ResolveContext{})
		require.NoError(t, err, name)
		assert.True(t, res.NeedsReview, name)
		assert.Equal(t, extraction.MethodAIArbiter, res.Method, name)
	}
}
