package embed

import (
	"math"
)

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. A zero vector on either side yields 0, never NaN, so callers
// can compare the result against thresholds directly. Mismatched lengths
// also yield 0; vectors from different models are never similar.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
