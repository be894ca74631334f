// Package batch implements the durable document extraction workflow: the
// batch state machine and its published snapshots, YAML manifests, the
// journaled orchestrator handler the engine runs, and the Service facade
// callers submit and poll batches through.
package batch

import (
	"time"

	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
)

// Stage is the workflow state machine's position. The pipeline runs
// stages in a fixed linear order; Complete and Failed are terminal and
// Failed is reachable from any active stage.
type Stage string

const (
	StagePending       Stage = "pending"
	StagePreprocessing Stage = "preprocessing"
	StageExtracting    Stage = "extracting"
	StageResolving     Stage = "resolving"
	StageValidating    Stage = "validating"
	StageIngesting     Stage = "ingesting"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

// pipelineStages is the runnable sequence between Pending and Complete.
var pipelineStages = []Stage{
	StagePreprocessing,
	StageExtracting,
	StageResolving,
	StageValidating,
	StageIngesting,
}

// PipelineStages returns the runnable stage sequence in execution order.
func PipelineStages() []Stage {
	out := make([]Stage, len(pipelineStages))
	copy(out, pipelineStages)
	return out
}

// IsValidStage reports whether s is a declared stage.
func IsValidStage(s Stage) bool {
	switch s {
	case StagePending, StagePreprocessing, StageExtracting, StageResolving,
		StageValidating, StageIngesting, StageComplete, StageFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the stage can never change again.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// ordinal positions a pipeline stage in the linear sequence. Pending and
// the terminal stages sit outside the progression and return -1.
func (s Stage) ordinal() int {
	for i, stage := range pipelineStages {
		if stage == s {
			return i
		}
	}
	return -1
}

// DocStatus is a document's position within the extraction stage.
type DocStatus string

const (
	DocPending    DocStatus = "pending"
	DocProcessing DocStatus = "processing"
	DocSuccess    DocStatus = "success"
	DocFailed     DocStatus = "failed"
)

// Failure codes recorded on failed documents.
const (
	CodeExtractionFailed = "EXTRACTION_FAILED"
	CodeStorageFailed    = "STORAGE_FAILED"
)

// DocumentStatus is the per-document progress record. Transitions are
// monotonic: pending -> processing -> success or failed, exactly once
// per transition, never backward.
type DocumentStatus struct {
	DocumentID    string     `json:"document_id"`
	Status        DocStatus  `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	GraphRef      string     `json:"graph_ref,omitempty"`
	EntityCount   int        `json:"entity_count,omitempty"`
	RelationCount int        `json:"relation_count,omitempty"`
	ClaimCount    int        `json:"claim_count,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// MarkProcessing moves the document from pending to processing.
func (d *DocumentStatus) MarkProcessing() error {
	if d.Status != DocPending {
		return errors.Newf("document %s cannot start processing from %s", d.DocumentID, d.Status)
	}
	now := time.Now().UTC()
	d.Status = DocProcessing
	d.StartedAt = &now
	return nil
}

// MarkSuccess finalizes a processing document with its produced graph
// reference and extraction counts.
func (d *DocumentStatus) MarkSuccess(graphRef string, entities, relations, claims int) error {
	if d.Status != DocProcessing {
		return errors.Newf("document %s cannot succeed from %s", d.DocumentID, d.Status)
	}
	now := time.Now().UTC()
	d.Status = DocSuccess
	d.CompletedAt = &now
	d.GraphRef = graphRef
	d.EntityCount = entities
	d.RelationCount = relations
	d.ClaimCount = claims
	return nil
}

// MarkFailed finalizes a processing document with an error code and
// message.
func (d *DocumentStatus) MarkFailed(code, message string) error {
	if d.Status != DocProcessing {
		return errors.Newf("document %s cannot fail from %s", d.DocumentID, d.Status)
	}
	now := time.Now().UTC()
	d.Status = DocFailed
	d.CompletedAt = &now
	d.ErrorCode = code
	d.ErrorMessage = message
	return nil
}

// BatchState is the externally observable workflow snapshot. Exactly one
// stage is active at a time. Published snapshots for one execution carry
// monotonically non-decreasing UpdatedAt timestamps; the publisher drops
// stale writes. Stats is populated only in StageComplete; the failure
// fields only in StageFailed.
type BatchState struct {
	BatchID     string `json:"batch_id"`
	ExecutionID string `json:"execution_id"`
	Stage       Stage  `json:"stage"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Documents []DocumentStatus `json:"documents,omitempty"`

	// Batch-level counts filled in as stages complete.
	EntityCount   int `json:"entity_count,omitempty"`
	RelationCount int `json:"relation_count,omitempty"`
	ClaimCount    int `json:"claim_count,omitempty"`
	TripleCount   int `json:"triple_count,omitempty"`
	InferredCount int `json:"inferred_count,omitempty"`

	Stats *graph.Stats `json:"stats,omitempty"`

	Error               string `json:"error,omitempty"`
	FailedInStage       Stage  `json:"failed_in_stage,omitempty"`
	LastSuccessfulStage Stage  `json:"last_successful_stage,omitempty"`
}

// NewBatchState creates a Pending state with one pending DocumentStatus
// per manifest document, in manifest order.
func NewBatchState(batchID, executionID string, docs []DocumentRef) *BatchState {
	now := time.Now().UTC()
	statuses := make([]DocumentStatus, len(docs))
	for i, d := range docs {
		statuses[i] = DocumentStatus{DocumentID: d.ID, Status: DocPending}
	}
	return &BatchState{
		BatchID:     batchID,
		ExecutionID: executionID,
		Stage:       StagePending,
		StartedAt:   now,
		UpdatedAt:   now,
		Documents:   statuses,
	}
}

// Advance moves the state machine to an active stage, clearing terminal
// fields a failed earlier attempt may have left behind.
func (s *BatchState) Advance(stage Stage) {
	s.Stage = stage
	s.Stats = nil
	s.Error = ""
	s.FailedInStage = ""
	s.LastSuccessfulStage = ""
	s.Touch()
}

// CompleteWith finalizes the state with aggregate statistics.
func (s *BatchState) CompleteWith(stats *graph.Stats) {
	s.Stage = StageComplete
	s.Stats = stats
	s.Error = ""
	s.FailedInStage = ""
	s.LastSuccessfulStage = ""
	s.Touch()
}

// FailWith finalizes the state with the failure message, the stage that
// was active when the workflow died, and the highest stage that had
// completed cleanly (empty when none had).
func (s *BatchState) FailWith(message string, failedIn, lastSuccessful Stage) {
	s.Stage = StageFailed
	s.Stats = nil
	s.Error = message
	s.FailedInStage = failedIn
	s.LastSuccessfulStage = lastSuccessful
	s.Touch()
}

// Touch bumps UpdatedAt.
func (s *BatchState) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// SucceededCount returns how many documents finished successfully.
func (s *BatchState) SucceededCount() int {
	n := 0
	for _, d := range s.Documents {
		if d.Status == DocSuccess {
			n++
		}
	}
	return n
}

// FailedCount returns how many documents failed.
func (s *BatchState) FailedCount() int {
	n := 0
	for _, d := range s.Documents {
		if d.Status == DocFailed {
			n++
		}
	}
	return n
}

// DocumentByID returns the status record for a document id, or nil.
func (s *BatchState) DocumentByID(documentID string) *DocumentStatus {
	for i := range s.Documents {
		if s.Documents[i].DocumentID == documentID {
			return &s.Documents[i]
		}
	}
	return nil
}
