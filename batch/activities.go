package batch

import (
	"context"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/resolve"
)

// fallbackComplexity is the document complexity assumed when
// preprocessing is skipped or fails.
const fallbackComplexity = 0.5

// PreprocessInput carries the manifest documents into the preprocessing
// activity.
type PreprocessInput struct {
	BatchID   string        `json:"batch_id"`
	Documents []DocumentRef `json:"documents"`
}

// PreprocessedDocument is the enrichment preprocessing computed for one
// document. TextKey points at reduced readable text in the object store
// when preprocessing rewrote the source (HTML reduction); empty means
// extraction reads the original source.
type PreprocessedDocument struct {
	Document        DocumentRef `json:"document"`
	Complexity      float64     `json:"complexity"`
	EstimatedTokens int         `json:"estimated_tokens"`
	ContentType     string      `json:"content_type,omitempty"`
	TextKey         string      `json:"text_key,omitempty"`
}

// PreprocessOutput must contain one entry per input document, in input
// order.
type PreprocessOutput struct {
	Documents []PreprocessedDocument `json:"documents"`
}

// FallbackPreprocessed returns default metadata for documents when the
// preprocessing activity is skipped or fails: middle complexity, zero
// estimated tokens, the manifest's content type hint.
func FallbackPreprocessed(docs []DocumentRef) []PreprocessedDocument {
	out := make([]PreprocessedDocument, len(docs))
	for i, d := range docs {
		out[i] = PreprocessedDocument{
			Document:    d,
			Complexity:  fallbackComplexity,
			ContentType: d.ContentType,
		}
	}
	return out
}

// ExtractInput carries one document into the extraction activity.
type ExtractInput struct {
	BatchID         string               `json:"batch_id"`
	Document        PreprocessedDocument `json:"document"`
	Ontology        OntologyRef          `json:"ontology"`
	TargetNamespace string               `json:"target_namespace"`
}

// ExtractOutput is the per-document extraction graph.
type ExtractOutput struct {
	Graph *graph.ExtractionGraph `json:"graph"`
}

// InferInput carries the merged batch graph into the inference activity.
type InferInput struct {
	BatchID  string                 `json:"batch_id"`
	GraphIRI string                 `json:"graph_iri"`
	Graph    *graph.ExtractionGraph `json:"graph"`
}

// InferOutput reports the triples forward-chaining derived. The
// orchestrator appends them to the graph before validation.
type InferOutput struct {
	NewTriples   []graph.Triple `json:"new_triples,omitempty"`
	RulesApplied int            `json:"rules_applied"`
}

// ValidateInput carries the batch graph and the resolved policy into the
// validation activity.
type ValidateInput struct {
	BatchID  string                  `json:"batch_id"`
	GraphIRI string                  `json:"graph_iri"`
	ShaclURI string                  `json:"shacl_uri,omitempty"`
	Graph    *graph.ExtractionGraph  `json:"graph"`
	Policy   config.ValidationConfig `json:"policy"`
}

// Violation is one constraint the graph did not satisfy.
type Violation struct {
	Severity string `json:"severity"` // "violation" or "warning"
	Focus    string `json:"focus,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

// ValidateOutput is the conformance report.
type ValidateOutput struct {
	Conforms   bool        `json:"conforms"`
	Violations []Violation `json:"violations,omitempty"`
	Checked    int         `json:"checked"`
}

// PersistClaimsInput carries validated claims to durable storage.
type PersistClaimsInput struct {
	BatchID string        `json:"batch_id"`
	Claims  []graph.Claim `json:"claims"`
}

// PersistClaimsOutput reports how many claims were written.
type PersistClaimsOutput struct {
	Persisted int `json:"persisted"`
}

// IngestInput carries the validated triple set into the canonical store.
type IngestInput struct {
	BatchID  string         `json:"batch_id"`
	GraphIRI string         `json:"graph_iri"`
	Triples  []graph.Triple `json:"triples"`
}

// IngestOutput reports how many triples landed.
type IngestOutput struct {
	TriplesIngested int `json:"triples_ingested"`
}

// Stage activity contracts. The orchestrator treats each as an opaque,
// retryable unit of work; concrete implementations live in the pipeline
// package.

// PreprocessActivity classifies and enriches the batch's documents.
type PreprocessActivity interface {
	Execute(ctx context.Context, in PreprocessInput) (*PreprocessOutput, error)
}

// ExtractActivity turns one document into an extraction graph.
type ExtractActivity interface {
	Execute(ctx context.Context, in ExtractInput) (*ExtractOutput, error)
}

// InferActivity applies forward-chaining rules over the batch graph.
type InferActivity interface {
	Execute(ctx context.Context, in InferInput) (*InferOutput, error)
}

// ValidateActivity checks the graph against its shapes and applies the
// policy. When the policy fails the batch, Execute returns the report
// alongside a non-nil error so callers still see what did not conform.
type ValidateActivity interface {
	Execute(ctx context.Context, in ValidateInput) (*ValidateOutput, error)
}

// PersistClaimsActivity writes claims to durable storage before
// ingestion.
type PersistClaimsActivity interface {
	Execute(ctx context.Context, in PersistClaimsInput) (*PersistClaimsOutput, error)
}

// IngestActivity writes the validated triples to the canonical store.
type IngestActivity interface {
	Execute(ctx context.Context, in IngestInput) (*IngestOutput, error)
}

// Activities bundles the stage implementations the workflow runs.
// Preprocess and Infer may be nil (those stages fall back or skip); the
// rest are required.
type Activities struct {
	Preprocess    PreprocessActivity
	Extract       ExtractActivity
	Infer         InferActivity
	Validate      ValidateActivity
	PersistClaims PersistClaimsActivity
	Ingest        IngestActivity
}

// EntityResolver links batch entities to the canonical registry. A nil
// resolver disables cross-batch resolution.
type EntityResolver interface {
	ResolveBatch(ctx context.Context, scope string, entities []graph.Entity, batchID string) (*resolve.Resolution, error)
}
