package consensus

import (
	"context"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Clustering groups readings around seed representatives by edit distance.
// With a merge threshold it also joins clusters whose best readings are close,
// repeating until no pair qualifies.
type Clustering struct {
	distanceThreshold int
	mergeThreshold    int
}

// NewClustering creates a similarity clustering strategy. mergeThreshold <= 0
// disables the hierarchical merge pass.
func NewClustering(distanceThreshold, mergeThreshold int) *Clustering {
	if distanceThreshold < 0 {
		distanceThreshold = 0
	}
	return &Clustering{
		distanceThreshold: distanceThreshold,
		mergeThreshold:    mergeThreshold,
	}
}

// Strategy returns StrategyClustering or StrategyHierarchical
func (c *Clustering) Strategy() Strategy {
	if c.mergeThreshold > 0 {
		return StrategyHierarchical
	}
	return StrategyClustering
}

type cluster struct {
	seed    candidate
	members []candidate
}

func (cl *cluster) representative() candidate {
	return bestByConfidence(cl.members)
}

// Resolve clusters in input order, picks the cluster with most members (ties
// to higher mean confidence) and answers with its highest-confidence member.
func (c *Clustering) Resolve(_ context.Context, results []extraction.EngineResult, rc ResolveContext) (extraction.ConsensusResult, error) {
	if res, done, err := preflight(results); done {
		if err != nil {
			return extraction.ConsensusResult{}, err
		}
		return finalize(res, rc), nil
	}

	clusters := c.cluster(candidates(results))
	if c.mergeThreshold > 0 {
		clusters = c.merge(clusters)
	}

	winner := clusters[0]
	for _, cl := range clusters[1:] {
		if len(cl.members) > len(winner.members) ||
			(len(cl.members) == len(winner.members) && meanConfidence(cl.members) > meanConfidence(winner.members)) {
			winner = cl
		}
	}

	ratio := float64(len(winner.members)) / float64(len(results))
	confidence := meanConfidence(winner.members) * ratio

	return finalize(extraction.ConsensusResult{
		FinalText:         winner.representative().result.Text,
		Confidence:        confidence,
		Method:            extraction.MethodClustering,
		NeedsReview:       confidence < ReviewThreshold || ratio < 0.5,
		AgreementRatio:    ratio,
		IndividualResults: copyResults(results),
	}, rc), nil
}

func (c *Clustering) cluster(cands []candidate) []*cluster {
	var clusters []*cluster
	for _, cand := range cands {
		var home *cluster
		for _, cl := range clusters {
			if withinDistance(cl.seed.norm, cand.norm, c.distanceThreshold) {
				home = cl
				break
			}
		}
		if home == nil {
			home = &cluster{seed: cand}
			clusters = append(clusters, home)
		}
		home.members = append(home.members, cand)
	}
	return clusters
}

// merge joins the first pair of clusters whose representatives are within
// mergeThreshold and starts over, until a full pass merges nothing.
func (c *Clustering) merge(clusters []*cluster) []*cluster {
	for merged := true; merged && len(clusters) > 1; {
		merged = false
	scan:
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				a, b := clusters[i].representative(), clusters[j].representative()
				if !withinDistance(a.norm, b.norm, c.mergeThreshold) {
					continue
				}
				clusters[i].members = append(clusters[i].members, clusters[j].members...)
				clusters = append(clusters[:j], clusters[j+1:]...)
				merged = true
				break scan
			}
		}
	}
	return clusters
}
