package consensus

import (
	"context"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// weightedGroupDistance is the edit distance within which two normalized
// readings count as the same answer for weighted voting.
const weightedGroupDistance = 2

// WeightedVote groups near-identical readings and scores each group by
// sum(confidence * engine weight).
type WeightedVote struct {
	weights Weights
}

// NewWeightedVote creates a weighted vote over an immutable weight table
func NewWeightedVote(weights Weights) *WeightedVote {
	return &WeightedVote{weights: weights}
}

// Strategy returns StrategyWeighted
func (w *WeightedVote) Strategy() Strategy { return StrategyWeighted }

type scoredGroup struct {
	members []candidate
	score   float64
}

// Resolve is independent of input order: candidates are put in canonical
// order before grouping and every tie has a deterministic break.
func (w *WeightedVote) Resolve(_ context.Context, results []extraction.EngineResult, rc ResolveContext) (extraction.ConsensusResult, error) {
	if res, done, err := preflight(results); done {
		if err != nil {
			return extraction.ConsensusResult{}, err
		}
		return finalize(res, rc), nil
	}
	return finalize(w.vote(results), rc), nil
}

func (w *WeightedVote) vote(results []extraction.EngineResult) extraction.ConsensusResult {
	cands := candidates(results)
	sortCandidates(cands)

	var groups []*scoredGroup
	for _, c := range cands {
		var home *scoredGroup
		for _, g := range groups {
			if sameWeightedGroup(g.members[0].norm, c.norm, weightedGroupDistance) {
				home = g
				break
			}
		}
		if home == nil {
			home = &scoredGroup{}
			groups = append(groups, home)
		}
		home.members = append(home.members, c)
		home.score += c.result.Confidence * w.weights.Weight(c.result.Engine)
	}

	winner := groups[0]
	for _, g := range groups[1:] {
		switch {
		case g.score > winner.score:
			winner = g
		case g.score == winner.score && len(g.members) > len(winner.members):
			winner = g
		}
	}

	ratio := float64(len(winner.members)) / float64(len(results))
	confidence := meanConfidence(winner.members) * ratio

	return extraction.ConsensusResult{
		FinalText:         w.bestWeighted(winner.members).result.Text,
		Confidence:        confidence,
		Method:            extraction.MethodWeighted,
		NeedsReview:       confidence < ReviewThreshold || ratio < 0.5 || len(groups) > 3,
		AgreementRatio:    ratio,
		IndividualResults: copyResults(results),
	}
}

// bestWeighted picks the member with the highest confidence * weight
func (w *WeightedVote) bestWeighted(members []candidate) candidate {
	best := members[0]
	bestScore := best.result.Confidence * w.weights.Weight(best.result.Engine)
	for _, c := range members[1:] {
		s := c.result.Confidence * w.weights.Weight(c.result.Engine)
		if s > bestScore || (s == bestScore && c.result.Engine < best.result.Engine) {
			best, bestScore = c, s
		}
	}
	return best
}
