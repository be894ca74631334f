package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
)

func (h *harness) service() *Service {
	s := NewService(h.queue, h.pub, nil)
	s.SetPollInterval(10 * time.Millisecond)
	return s
}

// runWorkerOnce mimics a single worker pass: dequeue the next execution,
// run the workflow, and settle the row the way the pool would.
func (h *harness) runWorkerOnce() error {
	running, err := h.queue.Dequeue()
	if err != nil {
		return err
	}
	if running == nil {
		return errors.New("nothing queued")
	}
	if execErr := h.workflow().Execute(context.Background(), running); execErr != nil {
		return h.queue.FailExecution(running.ID, execErr, engine.Classify(execErr, running.Stage).Kind)
	}
	return h.queue.CompleteExecution(running.ID)
}

func TestService_StartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	first, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	assert.True(t, len(first) > 3 && first[:3] == "ex_")

	second, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "resubmission reuses the in-flight execution")

	// Shuffled document order identifies the same batch.
	shuffled := *h.manifest
	shuffled.Documents = []DocumentRef{
		h.manifest.Documents[2], h.manifest.Documents[0], h.manifest.Documents[1],
	}
	third, err := svc.Start(ctx, &shuffled, h.batchID)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	execs, err := h.queue.ListExecutions(nil, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "one queue row across three submissions")
}

func TestService_StartValidatesManifest(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	_, err := svc.Start(ctx, nil, "")
	assert.Error(t, err)

	bad := *h.manifest
	bad.Documents = nil
	_, err = svc.Start(ctx, &bad, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document")
}

func TestService_StartMintsBatchID(t *testing.T) {
	h := newHarness(t)
	svc := h.service()

	executionID, err := svc.Start(context.Background(), h.manifest, "")
	require.NoError(t, err)

	summary, err := svc.Get(context.Background(), executionID)
	require.NoError(t, err)
	assert.True(t, len(summary.Execution.BatchID) > 6 && summary.Execution.BatchID[:6] == "batch_")
	require.NotNil(t, summary.State, "submission publishes the pending snapshot")
	assert.Equal(t, StagePending, summary.State.Stage)
}

func TestService_StartResumesSuspended(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)

	running, err := h.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, running)
	require.NoError(t, h.queue.SuspendExecution(executionID, "registry maintenance"))

	again, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	assert.Equal(t, executionID, again)

	e, err := h.queue.GetExecution(executionID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusQueued, e.Status, "resubmitting a suspended batch resumes it")
}

func TestService_PollLifecycle(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)

	res, err := svc.Poll(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusQueued, res.Status)
	assert.True(t, res.Running())
	assert.False(t, res.Done())
	require.NotNil(t, res.State)
	assert.Equal(t, StagePending, res.State.Stage)

	require.NoError(t, h.runWorkerOnce())

	res, err = svc.Poll(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.True(t, res.Done())
	assert.False(t, res.Running())
	assert.Equal(t, StageComplete, res.State.Stage)
	assert.Empty(t, res.Error)
}

func TestService_WaitReturnsCompletedState(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	require.NoError(t, h.runWorkerOnce())

	state, err := svc.Wait(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 3, state.SucceededCount())
}

func TestService_WaitSurfacesFailure(t *testing.T) {
	h := newHarness(t)
	h.acts.Extract = extractFunc(func(_ context.Context, _ ExtractInput) (*ExtractOutput, error) {
		return nil, errors.New("model gateway returned garbage")
	})
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	require.NoError(t, h.runWorkerOnce())

	state, err := svc.Wait(ctx, executionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	require.NotNil(t, state)
	assert.Equal(t, StageFailed, state.Stage)
	assert.Equal(t, StageExtracting, state.FailedInStage)
}

func TestService_PauseResumeInterrupt(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)

	require.NoError(t, svc.Pause(ctx, executionID))
	res, err := svc.Poll(ctx, executionID)
	require.NoError(t, err)
	assert.True(t, res.Suspended())
	assert.Equal(t, "paused by operator", res.SuspendReason)

	state, err := svc.Wait(ctx, executionID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSuspended))
	assert.NotNil(t, state)

	require.NoError(t, svc.Resume(ctx, executionID))
	res, err = svc.Poll(ctx, executionID)
	require.NoError(t, err)
	assert.True(t, res.Running())

	require.NoError(t, svc.Interrupt(ctx, executionID))
	res, err = svc.Poll(ctx, executionID)
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.Equal(t, engine.StatusCancelled, res.Status)

	_, err = svc.Wait(ctx, executionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestService_InterruptTerminalRejected(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)
	require.NoError(t, h.runWorkerOnce())

	assert.Error(t, svc.Interrupt(ctx, executionID), "completed executions cannot be interrupted")
}

func TestService_StartAndWait(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workerErr := make(chan error, 1)
	go func() {
		// Give Start time to enqueue before the worker looks.
		time.Sleep(30 * time.Millisecond)
		workerErr <- h.runWorkerOnce()
	}()

	state, err := svc.StartAndWait(ctx, h.manifest, "")
	require.NoError(t, err)
	require.NoError(t, <-workerErr)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 3, state.SucceededCount())
	require.NotNil(t, state.Stats)
	assert.Equal(t, 6, state.Stats.TriplesIngested)
}

func TestService_ListAndGet(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	executionID, err := svc.Start(ctx, h.manifest, h.batchID)
	require.NoError(t, err)

	// A foreign workflow's execution in the same queue stays invisible.
	other, err := engine.NewExecution("maintenance.cleanup", "batch_other", []byte(`{}`), 1)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(other))

	summaries, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, executionID, summaries[0].Execution.ID)
	require.NotNil(t, summaries[0].State)
	assert.Equal(t, StagePending, summaries[0].State.Stage)

	got, err := svc.Get(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, executionID, got.Execution.ID)

	_, err = svc.Get(ctx, "ex_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}
