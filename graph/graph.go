// Package graph holds the knowledge-graph domain model: entities and
// relations extracted from documents, the claims that carry their
// provenance, and the RDF triples they compile to.
package graph

import (
	"time"
)

// Entity is a mention-level entity extracted from a single document.
// It is not yet canonical; resolution links it to the registry.
type Entity struct {
	ID         string   `json:"id"`
	Mention    string   `json:"mention"`
	Types      []string `json:"types,omitempty"`
	Confidence float64  `json:"confidence"`
	DocumentID string   `json:"document_id,omitempty"`
	// CanonicalIRI is set by resolution when the entity maps to a
	// registry canonical; empty until then.
	CanonicalIRI string `json:"canonical_iri,omitempty"`
}

// Relation connects two entities by a predicate.
type Relation struct {
	ID         string  `json:"id"`
	SubjectID  string  `json:"subject_id"`
	Predicate  string  `json:"predicate"`
	ObjectID   string  `json:"object_id"`
	Confidence float64 `json:"confidence"`
	DocumentID string  `json:"document_id,omitempty"`
}

// ExtractionGraph is the per-document (and later per-batch) extraction
// output: entities, relations, and provenance-bearing claims.
type ExtractionGraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Claims    []Claim    `json:"claims"`
	Triples   []Triple   `json:"triples,omitempty"`
}

// NewExtractionGraph returns an empty graph.
func NewExtractionGraph() *ExtractionGraph {
	return &ExtractionGraph{}
}

// EntityCount returns the number of entities in the graph.
func (g *ExtractionGraph) EntityCount() int { return len(g.Entities) }

// RelationCount returns the number of relations in the graph.
func (g *ExtractionGraph) RelationCount() int { return len(g.Relations) }

// ClaimCount returns the number of claims in the graph.
func (g *ExtractionGraph) ClaimCount() int { return len(g.Claims) }

// Merge combines per-document graphs into one batch graph. Entity IDs are
// document-scoped so no collision handling is needed; duplicate mentions
// across documents stay separate until resolution links them.
func Merge(graphs []*ExtractionGraph) *ExtractionGraph {
	merged := NewExtractionGraph()
	for _, g := range graphs {
		if g == nil {
			continue
		}
		merged.Entities = append(merged.Entities, g.Entities...)
		merged.Relations = append(merged.Relations, g.Relations...)
		merged.Claims = append(merged.Claims, g.Claims...)
		merged.Triples = append(merged.Triples, g.Triples...)
	}
	return merged
}

// ApplyResolution rewrites entity canonical IRIs from a resolution map
// (entity id -> canonical IRI). Entities absent from the map are left as-is.
func (g *ExtractionGraph) ApplyResolution(canonicalByEntityID map[string]string) {
	for i := range g.Entities {
		if iri, ok := canonicalByEntityID[g.Entities[i].ID]; ok {
			g.Entities[i].CanonicalIRI = iri
		}
	}
}

// EntityByID returns the entity with the given id, or nil.
func (g *ExtractionGraph) EntityByID(id string) *Entity {
	for i := range g.Entities {
		if g.Entities[i].ID == id {
			return &g.Entities[i]
		}
	}
	return nil
}

// Stats summarizes a batch for terminal states and events.
type Stats struct {
	DocumentsProcessed int           `json:"documents_processed"`
	DocumentsSucceeded int           `json:"documents_succeeded"`
	DocumentsFailed    int           `json:"documents_failed"`
	EntitiesExtracted  int           `json:"entities_extracted"`
	RelationsExtracted int           `json:"relations_extracted"`
	ClaimsExtracted    int           `json:"claims_extracted"`
	ClustersResolved   int           `json:"clusters_resolved"`
	TriplesIngested    int           `json:"triples_ingested"`
	Duration           time.Duration `json:"duration_ns"`
}
