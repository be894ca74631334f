package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgforgetest "github.com/kriegcloud/kgforge/internal/testing"
)

const testScope = "https://kg.example.com/scope/test"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	conn := kgforgetest.CreateTestDB(t)
	r := New(conn, 4, nil)
	require.NoError(t, r.EnsureVectorIndex(context.Background()))
	return r
}

func TestRegistry_InsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := &CanonicalEntity{
		Scope:         testScope,
		IRI:           "https://kg.example.com/entity/acme-abc123",
		Mention:       "Acme Corporation",
		EntityTypes:   []string{"Organization"},
		Embedding:     []float32{1, 0, 0, 0},
		AvgConfidence: 0.9,
	}
	id, err := r.Insert(ctx, e, []string{"acme", "corporation"})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := r.GetByIRI(ctx, testScope, e.IRI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme Corporation", got.Mention)
	assert.Equal(t, []string{"Organization"}, got.EntityTypes)
	assert.Equal(t, 1, got.MergeCount)
	assert.InDelta(t, 0.9, got.AvgConfidence, 1e-9)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
}

func TestRegistry_GetByIRI_Absent(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.GetByIRI(context.Background(), testScope, "https://kg.example.com/entity/nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistry_InsertConflictTouchesExisting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := &CanonicalEntity{
		Scope:         testScope,
		IRI:           "https://kg.example.com/entity/acme-abc123",
		Mention:       "Acme Corporation",
		Embedding:     []float32{1, 0, 0, 0},
		AvgConfidence: 0.8,
	}
	firstID, err := r.Insert(ctx, first, []string{"acme"})
	require.NoError(t, err)

	// Deterministic minting means a second batch can produce the same IRI.
	dup := &CanonicalEntity{
		Scope:         testScope,
		IRI:           first.IRI,
		Mention:       "ACME Corp",
		Embedding:     []float32{1, 0, 0, 0},
		AvgConfidence: 1.0,
	}
	dupID, err := r.Insert(ctx, dup, []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, firstID, dupID)

	got, err := r.GetByID(ctx, firstID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.MergeCount)
	assert.InDelta(t, 0.9, got.AvgConfidence, 1e-9)
}

func TestRegistry_Touch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := &CanonicalEntity{
		Scope:         testScope,
		IRI:           "https://kg.example.com/entity/acme-abc123",
		Mention:       "Acme Corporation",
		AvgConfidence: 0.6,
	}
	id, err := r.Insert(ctx, e, nil)
	require.NoError(t, err)

	require.NoError(t, r.Touch(ctx, id, "ACME Inc", 1.0))

	got, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MergeCount)
	assert.InDelta(t, 0.8, got.AvgConfidence, 1e-9)

	aliases, err := r.AliasesFor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME Inc"}, aliases)
}

func TestRegistry_TouchMissing(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Touch(context.Background(), 9999, "ghost", 0.5)
	assert.Error(t, err)
}

func TestRegistry_RecordAlias_SkipsOwnMention(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := &CanonicalEntity{Scope: testScope, IRI: "https://kg.example.com/entity/acme-x", Mention: "Acme"}
	id, err := r.Insert(ctx, e, nil)
	require.NoError(t, err)

	// Same surface form in different case is not an alias.
	require.NoError(t, r.RecordAlias(ctx, id, "ACME"))
	aliases, err := r.AliasesFor(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestRegistry_FindByAlias(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := &CanonicalEntity{Scope: testScope, IRI: "https://kg.example.com/entity/acme-x", Mention: "Acme Corporation"}
	id, err := r.Insert(ctx, e, nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordAlias(ctx, id, "ACME Inc"))

	byAlias, err := r.FindByAlias(ctx, testScope, "acme inc")
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, id, byAlias[0].ID)

	byMention, err := r.FindByAlias(ctx, testScope, "ACME CORPORATION")
	require.NoError(t, err)
	require.Len(t, byMention, 1)

	none, err := r.FindByAlias(ctx, testScope, "globex")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_CandidatesByTokens(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	acme := &CanonicalEntity{Scope: testScope, IRI: "https://kg.example.com/entity/acme-1", Mention: "Acme Corporation"}
	acmeID, err := r.Insert(ctx, acme, []string{"acme", "corporation"})
	require.NoError(t, err)

	globex := &CanonicalEntity{Scope: testScope, IRI: "https://kg.example.com/entity/globex-1", Mention: "Globex Corporation"}
	_, err = r.Insert(ctx, globex, []string{"globex", "corporation"})
	require.NoError(t, err)

	other := &CanonicalEntity{Scope: "https://kg.example.com/scope/other", IRI: "https://kg.example.com/entity/acme-2", Mention: "Acme"}
	_, err = r.Insert(ctx, other, []string{"acme"})
	require.NoError(t, err)

	// Both tokens hit acme; only one hits globex; other scope is invisible.
	cands, err := r.CandidatesByTokens(ctx, testScope, []string{"acme", "corporation"}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, acmeID, cands[0].EntityID, "most shared tokens first")
	assert.Equal(t, 0.0, cands[0].Similarity)

	limited, err := r.CandidatesByTokens(ctx, testScope, []string{"acme", "corporation"}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := r.CandidatesByTokens(ctx, testScope, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_CandidatesByVector(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	near := &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/near-1",
		Mention: "Near", Embedding: []float32{0.9, 0.1, 0, 0},
	}
	nearID, err := r.Insert(ctx, near, nil)
	require.NoError(t, err)

	far := &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/far-1",
		Mention: "Far", Embedding: []float32{0, 0, 1, 0},
	}
	_, err = r.Insert(ctx, far, nil)
	require.NoError(t, err)

	cands, err := r.CandidatesByVector(ctx, testScope, []float32{1, 0, 0, 0}, 10, 0.6, nil)
	require.NoError(t, err)
	require.Len(t, cands, 1, "orthogonal vector filtered by threshold")
	assert.Equal(t, nearID, cands[0].EntityID)
	assert.Greater(t, cands[0].Similarity, 0.9)
	assert.Len(t, cands[0].Embedding, 4)

	empty, err := r.CandidatesByVector(ctx, testScope, nil, 10, 0.6, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistry_CandidatesByVector_TypeFilter(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	org := &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/acme-org",
		Mention:     "Acme",
		EntityTypes: []string{"https://kg.example.com/ontology/core#Organization"},
		Embedding:   []float32{1, 0, 0, 0},
	}
	orgID, err := r.Insert(ctx, org, nil)
	require.NoError(t, err)

	person := &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/acme-person",
		Mention:     "Acme",
		EntityTypes: []string{"https://kg.example.com/ontology/core#Person"},
		Embedding:   []float32{0.99, 0.01, 0, 0},
	}
	_, err = r.Insert(ctx, person, nil)
	require.NoError(t, err)

	untyped := &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/acme-untyped",
		Mention:   "Acme",
		Embedding: []float32{0.98, 0.02, 0, 0},
	}
	untypedID, err := r.Insert(ctx, untyped, nil)
	require.NoError(t, err)

	query := []float32{1, 0, 0, 0}

	all, err := r.CandidatesByVector(ctx, testScope, query, 10, 0.6, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3, "no filter keeps every neighbor")

	orgs, err := r.CandidatesByVector(ctx, testScope, query, 10, 0.6,
		[]string{"https://kg.example.com/ontology/core#Organization"})
	require.NoError(t, err)
	require.Len(t, orgs, 2, "person filtered out, untyped passes")
	ids := []int64{orgs[0].EntityID, orgs[1].EntityID}
	assert.Contains(t, ids, orgID)
	assert.Contains(t, ids, untypedID)
}

func TestStatsCache_TTL(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Insert(ctx, &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/one", Mention: "One", AvgConfidence: 1.0,
	}, []string{"one"})
	require.NoError(t, err)

	current := time.Unix(1_700_000_000, 0)
	cache := NewStatsCacheWithClock(r, time.Minute, func() time.Time { return current })

	first, err := cache.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.EntityCount)

	_, err = r.Insert(ctx, &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/two", Mention: "Two",
	}, []string{"two"})
	require.NoError(t, err)

	// Within the TTL the cached value holds.
	current = current.Add(30 * time.Second)
	cached, err := cache.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.EntityCount)

	// At the boundary the entry is stale.
	current = current.Add(30 * time.Second)
	fresh, err := cache.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.EntityCount)
}

func TestStatsCache_Invalidate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	current := time.Unix(1_700_000_000, 0)
	cache := NewStatsCacheWithClock(r, time.Minute, func() time.Time { return current })

	empty, err := cache.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.EntityCount)

	_, err = r.Insert(ctx, &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/one", Mention: "One",
	}, nil)
	require.NoError(t, err)

	cache.Invalidate(testScope)
	fresh, err := cache.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.EntityCount)
}

func TestRegistry_ComputeStats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Insert(ctx, &CanonicalEntity{
		Scope: testScope, IRI: "https://kg.example.com/entity/acme-1",
		Mention: "Acme", AvgConfidence: 1.0,
	}, []string{"acme", "corporation"})
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, id, "ACME Inc", 0.5))

	stats, err := r.ComputeStats(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EntityCount)
	assert.Equal(t, int64(2), stats.TotalMerges)
	assert.Equal(t, int64(1), stats.AliasCount)
	assert.Equal(t, int64(2), stats.TokenCount)
	assert.InDelta(t, 0.75, stats.AvgConfidence, 1e-9)
}
