package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kriegcloud/kgforge/registry"
)

func TestBestMatch_ThresholdInclusive(t *testing.T) {
	// cos([1,0], [4,3]) = 4/5, the same float64 as the 0.8 literal, so
	// this exercises the boundary exactly.
	vector := []float32{1, 0}
	candidates := []registry.Candidate{
		{EntityID: 1, IRI: "https://kg.example.com/entity/a", Embedding: []float32{4, 3}},
	}

	match := BestMatch(vector, candidates, 0.8)
	assert.True(t, match.Matched, "similarity exactly at the threshold matches")
	assert.Equal(t, int64(1), match.EntityID)
	assert.InDelta(t, 0.8, match.Similarity, 1e-9)
}

func TestBestMatch_BelowThreshold(t *testing.T) {
	// cos([1,0], [3,4]) = 3/5.
	vector := []float32{1, 0}
	candidates := []registry.Candidate{
		{EntityID: 1, IRI: "https://kg.example.com/entity/a", Embedding: []float32{3, 4}},
	}

	match := BestMatch(vector, candidates, 0.8)
	assert.False(t, match.Matched)
	assert.Empty(t, match.IRI)
	assert.Zero(t, match.EntityID)
}

func TestBestMatch_PicksHighestSimilarity(t *testing.T) {
	vector := []float32{1, 0}
	candidates := []registry.Candidate{
		{EntityID: 1, IRI: "https://kg.example.com/entity/far", Embedding: []float32{4, 3}},
		{EntityID: 2, IRI: "https://kg.example.com/entity/near", Embedding: []float32{1, 0}},
	}

	match := BestMatch(vector, candidates, 0.8)
	assert.True(t, match.Matched)
	assert.Equal(t, int64(2), match.EntityID)
}

func TestBestMatch_TieBreaksOnIRI(t *testing.T) {
	vector := []float32{1, 0}
	// Identical embeddings, so identical similarity.
	candidates := []registry.Candidate{
		{EntityID: 2, IRI: "https://kg.example.com/entity/bbb", Embedding: []float32{1, 0}},
		{EntityID: 1, IRI: "https://kg.example.com/entity/aaa", Embedding: []float32{1, 0}},
	}

	match := BestMatch(vector, candidates, 0.8)
	assert.True(t, match.Matched)
	assert.Equal(t, "https://kg.example.com/entity/aaa", match.IRI, "ties go to the smallest IRI")

	// Order of the candidate slice must not change the decision.
	reversed := []registry.Candidate{candidates[1], candidates[0]}
	again := BestMatch(vector, reversed, 0.8)
	assert.Equal(t, match.IRI, again.IRI)
}

func TestBestMatch_NoCandidates(t *testing.T) {
	match := BestMatch([]float32{1, 0}, nil, 0.8)
	assert.False(t, match.Matched)
}

func TestBestMatch_CandidateWithoutEmbedding(t *testing.T) {
	vector := []float32{1, 0}
	candidates := []registry.Candidate{
		{EntityID: 1, IRI: "https://kg.example.com/entity/a"},
	}

	match := BestMatch(vector, candidates, 0.8)
	assert.False(t, match.Matched, "missing embedding scores zero")
}

func TestMergeCandidates(t *testing.T) {
	tokenCands := []registry.Candidate{
		{EntityID: 1, IRI: "https://kg.example.com/entity/a", Similarity: 0},
		{EntityID: 2, IRI: "https://kg.example.com/entity/b", Similarity: 0},
	}
	annCands := []registry.Candidate{
		{EntityID: 2, IRI: "https://kg.example.com/entity/b", Similarity: 0.93},
		{EntityID: 3, IRI: "https://kg.example.com/entity/c", Similarity: 0.71},
	}

	merged := MergeCandidates(tokenCands, annCands)
	assert.Len(t, merged, 3)

	byID := make(map[int64]float64, len(merged))
	for _, c := range merged {
		byID[c.EntityID] = c.Similarity
	}
	assert.Equal(t, 0.93, byID[2], "overlapping canonical keeps the higher pre-score")
	assert.Equal(t, 0.0, byID[1])
	assert.Equal(t, 0.71, byID[3])
}
