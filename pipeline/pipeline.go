// Package pipeline implements the stage activities the batch workflow
// orchestrates: document loading and preprocessing, model-driven
// extraction, forward-chaining inference, shape validation, and claim
// and triple persistence.
//
// Activities are stateless between executions. Everything they need to
// resume after a crash travels in the workflow journal or sits in the
// object store; the activities themselves hold only wiring.
package pipeline

import (
	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/graphstore"
	"github.com/kriegcloud/kgforge/internal/httpclient"
	"github.com/kriegcloud/kgforge/llm"
	"github.com/kriegcloud/kgforge/store"
)

// Deps carries the shared infrastructure the activities are built from.
type Deps struct {
	Chatter llm.Chatter
	Objects store.Store
	Fetch   *httpclient.SaferClient
	Triples graphstore.Store
	Claims  *graphstore.ClaimStore
	Logger  *zap.SugaredLogger
}

// New wires the full activity set. Construction fails when the inference
// rule file is enabled but unreadable; everything else is deferred to
// execution time.
//
// The workflow decides per its config whether preprocessing and
// inference actually run, so both are always wired here.
func New(cfg config.PipelineConfig, d Deps) (*batch.Activities, error) {
	loader := NewLoader(d.Objects, d.Fetch, d.Logger)

	infer, err := NewInferencer(cfg.Inference, d.Logger)
	if err != nil {
		return nil, err
	}

	return &batch.Activities{
		Preprocess:    NewPreprocessor(loader, d.Objects, d.Logger),
		Extract:       NewExtractor(d.Chatter, loader, d.Objects, d.Logger),
		Infer:         infer,
		Validate:      NewValidator(d.Logger),
		PersistClaims: NewClaimWriter(d.Claims, d.Logger),
		Ingest:        NewIngestor(d.Triples, d.Claims, d.Logger),
	}, nil
}
