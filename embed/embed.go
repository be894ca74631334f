// Package embed generates and compares entity embeddings. The registry
// stores vectors produced here in FLOAT32 blob form for sqlite-vec KNN
// search, and the resolver scores candidates with cosine similarity.
package embed

import (
	"context"
)

// TaskType hints the embedding backend about the downstream use of the
// vectors. Backends without task-specific embeddings ignore it.
type TaskType string

const (
	// TaskClustering is used for registry candidate search, where vectors
	// from different batches are compared against each other.
	TaskClustering TaskType = "clustering"
	// TaskRetrievalDocument is used when indexing text for later lookup.
	TaskRetrievalDocument TaskType = "retrieval_document"
	// TaskRetrievalQuery is used for ad-hoc query vectors.
	TaskRetrievalQuery TaskType = "retrieval_query"
)

// Provider turns texts into fixed-dimension vectors.
//
// EmbedBatch returns one vector per input text in input order. An empty
// input yields an empty result without touching the backend.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error)
	Dimensions() int
}
