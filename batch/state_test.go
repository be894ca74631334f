package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriegcloud/kgforge/graph"
)

func TestPipelineStages_Order(t *testing.T) {
	stages := PipelineStages()
	require.Equal(t, []Stage{
		StagePreprocessing,
		StageExtracting,
		StageResolving,
		StageValidating,
		StageIngesting,
	}, stages)

	for i := 1; i < len(stages); i++ {
		assert.Greater(t, stages[i].ordinal(), stages[i-1].ordinal())
	}
}

func TestStage_Classification(t *testing.T) {
	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageExtracting.Terminal())
	assert.False(t, StagePending.Terminal())

	assert.Equal(t, -1, StagePending.ordinal())
	assert.Equal(t, -1, StageComplete.ordinal())
	assert.Equal(t, -1, StageFailed.ordinal())

	assert.True(t, IsValidStage(StageResolving))
	assert.False(t, IsValidStage(Stage("shipping")))
}

func TestDocumentStatus_MonotonicTransitions(t *testing.T) {
	d := DocumentStatus{DocumentID: "doc-1", Status: DocPending}

	require.NoError(t, d.MarkProcessing())
	require.NotNil(t, d.StartedAt)

	require.NoError(t, d.MarkSuccess("docgraph/ex/doc-1", 4, 2, 3))
	assert.Equal(t, DocSuccess, d.Status)
	assert.Equal(t, 4, d.EntityCount)
	assert.Equal(t, 2, d.RelationCount)
	assert.Equal(t, 3, d.ClaimCount)
	require.NotNil(t, d.CompletedAt)

	// Terminal statuses refuse further transitions.
	assert.Error(t, d.MarkProcessing())
	assert.Error(t, d.MarkSuccess("", 0, 0, 0))
	assert.Error(t, d.MarkFailed(CodeExtractionFailed, "late failure"))
}

func TestDocumentStatus_FailureFromPendingRejected(t *testing.T) {
	d := DocumentStatus{DocumentID: "doc-1", Status: DocPending}

	assert.Error(t, d.MarkSuccess("ref", 1, 1, 1), "pending cannot jump to success")
	assert.Error(t, d.MarkFailed(CodeExtractionFailed, "nope"), "pending cannot jump to failed")

	require.NoError(t, d.MarkProcessing())
	require.NoError(t, d.MarkFailed(CodeExtractionFailed, "llm returned garbage"))
	assert.Equal(t, DocFailed, d.Status)
	assert.Equal(t, CodeExtractionFailed, d.ErrorCode)
	assert.Equal(t, "llm returned garbage", d.ErrorMessage)
}

func TestNewBatchState(t *testing.T) {
	docs := []DocumentRef{
		{ID: "a", Source: "s3://bucket/a"},
		{ID: "b", Source: "s3://bucket/b"},
	}
	s := NewBatchState("batch_1", "ex_1", docs)

	assert.Equal(t, StagePending, s.Stage)
	require.Len(t, s.Documents, 2)
	assert.Equal(t, "a", s.Documents[0].DocumentID)
	assert.Equal(t, DocPending, s.Documents[0].Status)
	assert.Equal(t, "b", s.Documents[1].DocumentID)
	assert.False(t, s.StartedAt.IsZero())
}

func TestBatchState_AdvanceClearsFailure(t *testing.T) {
	s := NewBatchState("batch_1", "ex_1", []DocumentRef{{ID: "a", Source: "x"}})
	s.FailWith("extraction blew up", StageExtracting, StagePreprocessing)

	assert.Equal(t, StageFailed, s.Stage)
	assert.Equal(t, "extraction blew up", s.Error)
	assert.Equal(t, StageExtracting, s.FailedInStage)
	assert.Equal(t, StagePreprocessing, s.LastSuccessfulStage)

	s.Advance(StageExtracting)
	assert.Equal(t, StageExtracting, s.Stage)
	assert.Empty(t, s.Error)
	assert.Empty(t, s.FailedInStage)
	assert.Empty(t, s.LastSuccessfulStage)
	assert.Nil(t, s.Stats)
}

func TestBatchState_CompleteWith(t *testing.T) {
	s := NewBatchState("batch_1", "ex_1", []DocumentRef{{ID: "a", Source: "x"}})
	before := s.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	stats := &graph.Stats{DocumentsProcessed: 1, DocumentsSucceeded: 1, TriplesIngested: 9}
	s.CompleteWith(stats)

	assert.Equal(t, StageComplete, s.Stage)
	assert.Same(t, stats, s.Stats)
	assert.True(t, s.UpdatedAt.After(before), "terminal transition bumps UpdatedAt")
}

func TestBatchState_Counts(t *testing.T) {
	s := NewBatchState("batch_1", "ex_1", []DocumentRef{
		{ID: "a", Source: "x"},
		{ID: "b", Source: "y"},
		{ID: "c", Source: "z"},
	})

	require.NoError(t, s.Documents[0].MarkProcessing())
	require.NoError(t, s.Documents[0].MarkSuccess("ref-a", 1, 0, 0))
	require.NoError(t, s.Documents[1].MarkProcessing())
	require.NoError(t, s.Documents[1].MarkFailed(CodeExtractionFailed, "boom"))

	assert.Equal(t, 1, s.SucceededCount())
	assert.Equal(t, 1, s.FailedCount())

	require.NotNil(t, s.DocumentByID("c"))
	assert.Equal(t, DocPending, s.DocumentByID("c").Status)
	assert.Nil(t, s.DocumentByID("missing"))
}
