package graph

import (
	"time"
)

// ObjectKind distinguishes IRI-valued claim objects from literal values.
type ObjectKind string

const (
	ObjectIRI     ObjectKind = "iri"
	ObjectLiteral ObjectKind = "literal"
)

// ClaimStatus tracks a claim through persistence and ingestion.
type ClaimStatus string

const (
	// ClaimExtracted is the status at persistence time, before the triple
	// store has accepted the claim's triples.
	ClaimExtracted ClaimStatus = "extracted"
	// ClaimIngested means the claim's triples are in the graph store.
	ClaimIngested ClaimStatus = "ingested"
)

// Claim is a provenance-bearing assertion: subject-predicate-object plus
// the document it came from and the extractor's confidence. Claims are
// persisted before ingestion so a crash between the two leaves an
// auditable record.
type Claim struct {
	ID         string      `json:"id"`
	BatchID    string      `json:"batch_id"`
	DocumentID string      `json:"document_id"`
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     string      `json:"object"`
	ObjectKind ObjectKind  `json:"object_kind"`
	Confidence float64     `json:"confidence"`
	Status     ClaimStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Triple is a single RDF statement targeted at a named graph.
type Triple struct {
	GraphIRI  string `json:"graph_iri"`
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	// IsLiteral marks the object as a literal rather than an IRI.
	IsLiteral bool `json:"is_literal,omitempty"`
}

// ResolveClaimRefs rewrites claim subjects and IRI-kind objects that
// reference mention-level entity ids to the canonical IRIs resolution
// assigned. References to entities without a canonical IRI, and literal
// objects, are left untouched.
func (g *ExtractionGraph) ResolveClaimRefs() {
	iriByEntityID := make(map[string]string, len(g.Entities))
	for i := range g.Entities {
		if g.Entities[i].CanonicalIRI != "" {
			iriByEntityID[g.Entities[i].ID] = g.Entities[i].CanonicalIRI
		}
	}
	for i := range g.Claims {
		if iri, ok := iriByEntityID[g.Claims[i].Subject]; ok {
			g.Claims[i].Subject = iri
		}
		if g.Claims[i].ObjectKind != ObjectIRI {
			continue
		}
		if iri, ok := iriByEntityID[g.Claims[i].Object]; ok {
			g.Claims[i].Object = iri
		}
	}
}

// ClaimsToTriples compiles claims into triples for the batch's named graph.
// Claims whose subject has no canonical IRI compile against the subject
// string as-is; resolution should have rewritten subjects before this runs.
func ClaimsToTriples(graphIRI string, claims []Claim) []Triple {
	triples := make([]Triple, 0, len(claims))
	for _, c := range claims {
		triples = append(triples, Triple{
			GraphIRI:  graphIRI,
			Subject:   c.Subject,
			Predicate: c.Predicate,
			Object:    c.Object,
			IsLiteral: c.ObjectKind == ObjectLiteral,
		})
	}
	return triples
}
