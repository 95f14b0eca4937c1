package consensus

import (
	"context"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// MajorityVote groups readings by exact normalized text and picks the largest group
type MajorityVote struct{}

// Strategy returns StrategyMajority
func (m *MajorityVote) Strategy() Strategy { return StrategyMajority }

// Resolve picks the most common normalized reading. Ties go to the group with
// the higher mean confidence, then to the lexically smaller text.
func (m *MajorityVote) Resolve(_ context.Context, results []extraction.EngineResult, rc ResolveContext) (extraction.ConsensusResult, error) {
	if res, done, err := preflight(results); done {
		if err != nil {
			return extraction.ConsensusResult{}, err
		}
		return finalize(res, rc), nil
	}

	cands := candidates(results)
	sortCandidates(cands)

	groups := make(map[string][]candidate)
	order := make([]string, 0)
	for _, c := range cands {
		if _, ok := groups[c.norm]; !ok {
			order = append(order, c.norm)
		}
		groups[c.norm] = append(groups[c.norm], c)
	}

	winner := order[0]
	for _, key := range order[1:] {
		g, w := groups[key], groups[winner]
		if len(g) > len(w) || (len(g) == len(w) && meanConfidence(g) > meanConfidence(w)) {
			winner = key
		}
	}

	members := groups[winner]
	ratio := float64(len(members)) / float64(len(results))
	avg := meanConfidence(members)

	return finalize(extraction.ConsensusResult{
		FinalText:         bestByConfidence(members).result.Text,
		Confidence:        avg * ratio,
		Method:            extraction.MethodMajority,
		NeedsReview:       ratio < 0.6 || avg < ReviewThreshold,
		AgreementRatio:    ratio,
		IndividualResults: copyResults(results),
	}, rc), nil
}
