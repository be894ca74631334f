package resolve

import (
	"github.com/kriegcloud/kgforge/embed"
	"github.com/kriegcloud/kgforge/registry"
)

// Match is the outcome of scoring one mention against its candidates.
type Match struct {
	// Matched reports whether the best candidate cleared the threshold.
	Matched    bool
	EntityID   int64
	IRI        string
	Similarity float64
}

// BestMatch scores the mention vector against every candidate's stored
// embedding and picks the best. The decision is pure: no clock, no I/O,
// no randomness.
//
// A candidate at exactly the threshold matches; the boundary is
// inclusive. Equal similarities break toward the lexicographically
// smallest IRI so reruns pick the same canonical. Candidates without a
// stored embedding score 0 through the zero-vector rule.
func BestMatch(vector []float32, candidates []registry.Candidate, threshold float64) Match {
	best := Match{}
	for _, cand := range candidates {
		sim := embed.CosineSimilarity(vector, cand.Embedding)
		if !better(sim, cand.IRI, best) {
			continue
		}
		best = Match{
			EntityID:   cand.EntityID,
			IRI:        cand.IRI,
			Similarity: sim,
		}
	}
	best.Matched = best.IRI != "" && best.Similarity >= threshold
	if !best.Matched {
		// Below threshold the candidate identity is noise, not a result.
		return Match{Similarity: best.Similarity}
	}
	return best
}

func better(sim float64, iri string, current Match) bool {
	if current.IRI == "" {
		return true
	}
	if sim != current.Similarity {
		return sim > current.Similarity
	}
	return iri < current.IRI
}

// MergeCandidates combines token-blocked and ANN candidate lists keyed by
// canonical id. When both searches surface the same canonical, the entry
// with the higher pre-score wins.
func MergeCandidates(lists ...[]registry.Candidate) []registry.Candidate {
	byID := make(map[int64]registry.Candidate)
	order := make([]int64, 0)
	for _, list := range lists {
		for _, cand := range list {
			existing, ok := byID[cand.EntityID]
			if !ok {
				byID[cand.EntityID] = cand
				order = append(order, cand.EntityID)
				continue
			}
			if cand.Similarity > existing.Similarity {
				byID[cand.EntityID] = cand
			}
		}
	}

	merged := make([]registry.Candidate, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}
