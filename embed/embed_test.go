package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	v := []float32{0.3, -1.2, 4.5, 0.01}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_ZeroVectorIsZero(t *testing.T) {
	zero := []float32{0, 0, 0}
	v := []float32{1, 2, 3}

	assert.Equal(t, 0.0, CosineSimilarity(zero, v))
	assert.Equal(t, 0.0, CosineSimilarity(v, zero))
	assert.Equal(t, 0.0, CosineSimilarity(zero, zero))
	assert.False(t, math.IsNaN(CosineSimilarity(zero, zero)))
}

func TestCosineSimilarity_Symmetric(t *testing.T) {
	a := []float32{1, 0, -2, 0.5}
	b := []float32{-0.5, 3, 1, 2}
	assert.InDelta(t, CosineSimilarity(a, b), CosineSimilarity(b, a), 1e-12)
}

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarity_LengthMismatch(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
}

func TestSerializeRoundTrip(t *testing.T) {
	original := []float32{0.1, -3.5, 1e-7, 42.42}

	blob, err := Serialize(original)
	require.NoError(t, err)
	assert.Len(t, blob, len(original)*4)

	back, err := Deserialize(blob)
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestSerialize_Empty(t *testing.T) {
	_, err := Serialize(nil)
	assert.Error(t, err)
}

func TestDeserialize_BadLength(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = Deserialize(nil)
	assert.Error(t, err)
}

func TestFakeProvider_Deterministic(t *testing.T) {
	p := NewFakeProvider(16)
	ctx := context.Background()

	first, err := p.EmbedBatch(ctx, []string{"Acme Corporation"}, TaskClustering)
	require.NoError(t, err)
	second, err := p.EmbedBatch(ctx, []string{"acme corporation"}, TaskClustering)
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Equal(t, first[0], second[0], "case-insensitive determinism")
	assert.Len(t, first[0], 16)

	// Normalized: cosine with self is 1.
	assert.InDelta(t, 1.0, CosineSimilarity(first[0], second[0]), 1e-6)
}

func TestFakeProvider_DistinctTexts(t *testing.T) {
	p := NewFakeProvider(32)

	vecs, err := p.EmbedBatch(context.Background(), []string{"Acme Corporation", "Globex Industries"}, TaskClustering)
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	sim := CosineSimilarity(vecs[0], vecs[1])
	assert.Less(t, sim, 0.9, "unrelated texts should not be near-identical")
}

func TestFakeProvider_RejectsEmptyText(t *testing.T) {
	p := NewFakeProvider(8)
	_, err := p.EmbedBatch(context.Background(), []string{"ok", "   "}, TaskClustering)
	assert.Error(t, err)
}

func TestFakeProvider_EmptyBatch(t *testing.T) {
	p := NewFakeProvider(8)
	vecs, err := p.EmbedBatch(context.Background(), nil, TaskClustering)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
