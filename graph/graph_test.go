package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintIRI_Deterministic(t *testing.T) {
	ns := "https://kg.example.com/entity/"

	a := MintIRI(ns, "default", "Acme Corporation")
	b := MintIRI(ns, "default", "Acme Corporation")
	assert.Equal(t, a, b, "same scope and mention must mint the same IRI")

	other := MintIRI(ns, "tenant-2", "Acme Corporation")
	assert.NotEqual(t, a, other, "different scopes mint different IRIs")

	require.True(t, strings.HasPrefix(a, ns))
	assert.Contains(t, a, "acme-corporation-")
}

func TestMintIRI_NormalizesMention(t *testing.T) {
	ns := "https://kg.example.com/entity/"

	// Case and surrounding whitespace do not change the hash.
	a := MintIRI(ns, "default", "  Acme Corporation ")
	b := MintIRI(ns, "default", "acme corporation")
	assert.Equal(t, hashSuffix(t, a), hashSuffix(t, b))
}

func TestMintIRI_EmptyMention(t *testing.T) {
	iri := MintIRI("https://kg.example.com/entity/", "default", "???")
	assert.Contains(t, iri, "/entity/entity-")
}

func hashSuffix(t *testing.T, iri string) string {
	t.Helper()
	idx := strings.LastIndexByte(iri, '-')
	require.Greater(t, idx, 0)
	return iri[idx+1:]
}

func TestMerge(t *testing.T) {
	g1 := &ExtractionGraph{
		Entities:  []Entity{{ID: "doc1#e0", Mention: "Acme"}},
		Relations: []Relation{{ID: "doc1#r0", SubjectID: "doc1#e0", Predicate: "employs", ObjectID: "doc1#e1"}},
		Claims:    []Claim{{ID: "c1", Subject: "doc1#e0", Predicate: "rdf:type", Object: "Organization"}},
	}
	g2 := &ExtractionGraph{
		Entities: []Entity{{ID: "doc2#e0", Mention: "Acme Corp"}},
	}

	merged := Merge([]*ExtractionGraph{g1, nil, g2})
	assert.Equal(t, 2, merged.EntityCount())
	assert.Equal(t, 1, merged.RelationCount())
	assert.Equal(t, 1, merged.ClaimCount())
}

func TestApplyResolution(t *testing.T) {
	g := &ExtractionGraph{
		Entities: []Entity{
			{ID: "doc1#e0", Mention: "Acme"},
			{ID: "doc1#e1", Mention: "Bob"},
		},
	}
	g.ApplyResolution(map[string]string{"doc1#e0": "https://kg.example.com/entity/acme-x"})

	require.NotNil(t, g.EntityByID("doc1#e0"))
	assert.Equal(t, "https://kg.example.com/entity/acme-x", g.EntityByID("doc1#e0").CanonicalIRI)
	assert.Empty(t, g.EntityByID("doc1#e1").CanonicalIRI)
}

func TestClaimsToTriples(t *testing.T) {
	claims := []Claim{
		{Subject: "s1", Predicate: "p1", Object: "o1", ObjectKind: ObjectIRI},
		{Subject: "s2", Predicate: "p2", Object: "42", ObjectKind: ObjectLiteral},
	}

	triples := ClaimsToTriples("https://kg.example.com/graph/batch-1", claims)
	require.Len(t, triples, 2)
	assert.False(t, triples[0].IsLiteral)
	assert.True(t, triples[1].IsLiteral)
	assert.Equal(t, "https://kg.example.com/graph/batch-1", triples[0].GraphIRI)
}
