package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/kriegcloud/kgforge/errors"
)

// FakeProvider produces deterministic unit vectors without any backend.
// The vector for a text depends only on the lowercased text, so equal
// mentions embed identically across calls and processes. Intended for
// tests and offline runs.
type FakeProvider struct {
	dims int
}

// NewFakeProvider returns a fake provider with the given dimensionality.
func NewFakeProvider(dims int) *FakeProvider {
	if dims <= 0 {
		dims = 8
	}
	return &FakeProvider{dims: dims}
}

// Dimensions returns the configured vector width.
func (p *FakeProvider) Dimensions() int { return p.dims }

// EmbedBatch derives each vector from a hash of the text. Vectors are
// L2-normalized so cosine similarity behaves like the real thing.
func (p *FakeProvider) EmbedBatch(_ context.Context, texts []string, _ TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.Newf("text at index %d is empty", i)
		}
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

func (p *FakeProvider) vectorFor(text string) []float32 {
	seed := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))

	vec := make([]float32, p.dims)
	var norm float64
	for i := range vec {
		// Stretch the 32-byte seed across arbitrary dimensions by
		// re-hashing the seed with the component index.
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], uint64(i))
		h := sha256.Sum256(append(seed[:], idx[:]...))
		u := binary.LittleEndian.Uint32(h[:4])
		// Map to [-1, 1).
		v := float64(int32(u)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
