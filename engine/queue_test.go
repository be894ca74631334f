package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kriegcloud/kgforge/errors"
	kgforgetest "github.com/kriegcloud/kgforge/internal/testing"
)

func newQueuedExecution(t *testing.T, q *Queue, batchID string) *Execution {
	t.Helper()

	e, err := NewExecution("batch.extract", batchID, json.RawMessage(`{"documents":4}`), 4)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("Failed to enqueue execution: %v", err)
	}
	return e
}

func TestQueueEnqueueAndGet(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e, err := NewExecution("batch.extract", "bt_q3-filings", json.RawMessage(`{"documents":12}`), 12)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	e.Stage = "extracting"

	if err := queue.Enqueue(e); err != nil {
		t.Fatalf("Failed to enqueue execution: %v", err)
	}

	got, err := queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}

	if got.ID != e.ID {
		t.Errorf("ID = %s, want %s", got.ID, e.ID)
	}
	if got.Workflow != "batch.extract" {
		t.Errorf("Workflow = %s, want batch.extract", got.Workflow)
	}
	if got.BatchID != "bt_q3-filings" {
		t.Errorf("BatchID = %s, want bt_q3-filings", got.BatchID)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %s, want %s", got.Status, StatusQueued)
	}
	if got.Stage != "extracting" {
		t.Errorf("Stage = %s, want extracting", got.Stage)
	}
	if got.Progress.Total != 12 {
		t.Errorf("Progress.Total = %d, want 12", got.Progress.Total)
	}
	if string(got.Payload) != `{"documents":12}` {
		t.Errorf("Payload = %s, want {\"documents\":12}", got.Payload)
	}
}

func TestQueueGetMissing(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	_, err := queue.GetExecution("ex_does_not_exist")
	if err == nil {
		t.Fatal("Expected error for missing execution")
	}
	if !errors.IsNotFoundError(err) {
		t.Errorf("Expected not-found error, got: %v", err)
	}
}

func TestQueueEnqueueDuplicate(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_dup")

	dup, err := NewExecutionWithID(e.ID, "batch.extract", "bt_dup", nil, 4)
	if err != nil {
		t.Fatalf("Failed to create duplicate execution: %v", err)
	}
	if err := queue.Enqueue(dup); err == nil {
		t.Error("Expected error enqueueing duplicate execution ID")
	}
}

func TestQueueDequeueMarksRunning(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_dequeue")

	got, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("Expected an execution, got nil")
	}
	if got.ID != e.ID {
		t.Errorf("Dequeued ID = %s, want %s", got.ID, e.ID)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %s, want %s", got.Status, StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set after dequeue")
	}

	// The transition is persisted, not just in-memory
	stored, err := queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusRunning {
		t.Errorf("Stored status = %s, want %s", stored.Status, StatusRunning)
	}

	// Queue is drained
	next, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue on drained queue failed: %v", err)
	}
	if next != nil {
		t.Errorf("Expected nil from drained queue, got %s", next.ID)
	}
}

func TestQueueDequeueEmpty(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	got, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue on empty queue failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil from empty queue, got %s", got.ID)
	}
}

func TestQueueDequeueFIFO(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	base := time.Now().UTC().Add(-time.Minute)

	older, err := NewExecution("batch.extract", "bt_first", nil, 1)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	older.CreatedAt = base

	newer, err := NewExecution("batch.extract", "bt_second", nil, 1)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	newer.CreatedAt = base.Add(10 * time.Second)

	// Enqueue out of order; dequeue follows creation time
	if err := queue.Enqueue(newer); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := queue.Enqueue(older); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	first, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first == nil || first.ID != older.ID {
		t.Fatalf("First dequeue = %v, want %s", first, older.ID)
	}

	second, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if second == nil || second.ID != newer.ID {
		t.Fatalf("Second dequeue = %v, want %s", second, newer.ID)
	}
}

func TestQueueDequeueRespectsBackoff(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	notYet, err := NewExecution("batch.extract", "bt_backoff", nil, 1)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour)
	notYet.NextAttemptAt = &future
	if err := queue.Enqueue(notYet); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	got, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("Execution in backoff should not be dequeued, got %s", got.ID)
	}

	// A due retry is picked up
	due, err := NewExecution("batch.extract", "bt_due", nil, 1)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	due.NextAttemptAt = &past
	if err := queue.Enqueue(due); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	got, err = queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got == nil || got.ID != due.ID {
		t.Fatalf("Dequeue = %v, want %s", got, due.ID)
	}
	if got.NextAttemptAt != nil {
		t.Error("NextAttemptAt should be cleared on start")
	}
}

func TestQueueSuspendResume(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_pause")

	if err := queue.SuspendExecution(e.ID, "paused by operator"); err != nil {
		t.Fatalf("Failed to suspend: %v", err)
	}

	stored, err := queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusSuspended {
		t.Errorf("Status = %s, want %s", stored.Status, StatusSuspended)
	}
	if stored.SuspendReason != "paused by operator" {
		t.Errorf("SuspendReason = %q, want %q", stored.SuspendReason, "paused by operator")
	}

	// Suspended executions are invisible to workers
	got, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("Suspended execution should not be dequeued, got %s", got.ID)
	}

	if err := queue.ResumeExecution(e.ID); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}

	stored, err = queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusQueued {
		t.Errorf("Status after resume = %s, want %s", stored.Status, StatusQueued)
	}
	if stored.SuspendReason != "" {
		t.Errorf("SuspendReason should be cleared, got %q", stored.SuspendReason)
	}

	got, err = queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Fatalf("Dequeue after resume = %v, want %s", got, e.ID)
	}
}

func TestQueueSuspendRequiresActive(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_done")
	if err := queue.CompleteExecution(e.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	err := queue.SuspendExecution(e.ID, "too late")
	if err == nil {
		t.Fatal("Expected error suspending a completed execution")
	}
	if !strings.Contains(err.Error(), "not active") {
		t.Errorf("Error = %v, want mention of 'not active'", err)
	}
}

func TestQueueResumeRequiresSuspended(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_still-queued")

	err := queue.ResumeExecution(e.ID)
	if err == nil {
		t.Fatal("Expected error resuming a queued execution")
	}
	if !strings.Contains(err.Error(), "not suspended") {
		t.Errorf("Error = %v, want mention of 'not suspended'", err)
	}
}

func TestQueueCancel(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_cancel")

	if err := queue.CancelExecution(e.ID, "superseded by resubmission"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	stored, err := queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", stored.Status, StatusCancelled)
	}
	if stored.Error != "superseded by resubmission" {
		t.Errorf("Error = %q, want cancel reason", stored.Error)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt should be set on cancel")
	}

	// Terminal executions cannot be cancelled again
	if err := queue.CancelExecution(e.ID, "again"); err == nil {
		t.Error("Expected error cancelling a terminal execution")
	}
}

func TestQueueCompleteAndFail(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	ok := newQueuedExecution(t, queue, "bt_ok")
	bad := newQueuedExecution(t, queue, "bt_bad")

	if err := queue.CompleteExecution(ok.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	stored, err := queue.GetExecution(ok.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", stored.Status, StatusCompleted)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt should be set on completion")
	}

	if err := queue.FailExecution(bad.ID, errors.New("llm provider unreachable"), ErrKindProvider); err != nil {
		t.Fatalf("Failed to fail execution: %v", err)
	}
	stored, err = queue.GetExecution(bad.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", stored.Status, StatusFailed)
	}
	if !strings.Contains(stored.Error, "llm provider unreachable") {
		t.Errorf("Error = %q, want provider message", stored.Error)
	}
	if stored.ErrorKind != string(ErrKindProvider) {
		t.Errorf("ErrorKind = %q, want %q", stored.ErrorKind, ErrKindProvider)
	}
}

func TestQueueRetryScheduling(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	e := newQueuedExecution(t, queue, "bt_retry")

	running, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if running == nil {
		t.Fatal("Expected an execution")
	}

	at := time.Now().UTC().Add(30 * time.Second)
	if err := queue.RetryExecutionAt(running, errors.New("429 from embeddings API"), ErrKindRateLimited, at); err != nil {
		t.Fatalf("Failed to schedule retry: %v", err)
	}

	stored, err := queue.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if stored.Status != StatusQueued {
		t.Errorf("Status = %s, want %s", stored.Status, StatusQueued)
	}
	if stored.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", stored.Attempts)
	}
	if stored.NextAttemptAt == nil {
		t.Fatal("NextAttemptAt should be set")
	}
	if stored.NextAttemptAt.Before(time.Now().UTC().Add(20 * time.Second)) {
		t.Errorf("NextAttemptAt = %s, want ~30s out", stored.NextAttemptAt)
	}

	// Not dequeued until the backoff elapses
	got, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("Execution in backoff should not be dequeued, got %s", got.ID)
	}
}

func TestQueueSubscribers(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	updates := queue.Subscribe()

	e := newQueuedExecution(t, queue, "bt_watched")

	select {
	case got := <-updates:
		if got.ID != e.ID {
			t.Errorf("Update ID = %s, want %s", got.ID, e.ID)
		}
		if got.Status != StatusQueued {
			t.Errorf("Update status = %s, want %s", got.Status, StatusQueued)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for enqueue notification")
	}

	if err := queue.CompleteExecution(e.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	select {
	case got := <-updates:
		if got.Status != StatusCompleted {
			t.Errorf("Update status = %s, want %s", got.Status, StatusCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for completion notification")
	}

	// After unsubscribing, no further updates arrive
	queue.Unsubscribe(updates)
	newQueuedExecution(t, queue, "bt_unwatched")

	select {
	case got := <-updates:
		t.Errorf("Received update after unsubscribe: %s", got.ID)
	case <-time.After(50 * time.Millisecond):
		// Expected
	}

	close(updates)
}

func TestQueueStats(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	// Stagger creation times so the dequeue below is deterministic
	base := time.Now().UTC().Add(-time.Minute)
	execs := make([]*Execution, 7)
	for i := range execs {
		e, err := NewExecution("batch.extract", "bt_stats", nil, 1)
		if err != nil {
			t.Fatalf("Failed to create execution: %v", err)
		}
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := queue.Enqueue(e); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
		execs[i] = e
	}

	if _, err := queue.Dequeue(); err != nil { // execs[0] -> running
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := queue.SuspendExecution(execs[1].ID, "paused"); err != nil {
		t.Fatalf("Failed to suspend: %v", err)
	}
	if err := queue.CompleteExecution(execs[2].ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if err := queue.FailExecution(execs[3].ID, errors.New("shape violation"), ErrKindValidation); err != nil {
		t.Fatalf("Failed to fail: %v", err)
	}
	if err := queue.CancelExecution(execs[4].ID, "operator"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	stats, err := queue.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if stats.Queued != 2 {
		t.Errorf("Queued = %d, want 2", stats.Queued)
	}
	if stats.Running != 1 {
		t.Errorf("Running = %d, want 1", stats.Running)
	}
	if stats.Suspended != 1 {
		t.Errorf("Suspended = %d, want 1", stats.Suspended)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", stats.Cancelled)
	}
	if stats.Total != 7 {
		t.Errorf("Total = %d, want 7", stats.Total)
	}

	queued, running, err := queue.GetExecutionCounts()
	if err != nil {
		t.Fatalf("Failed to get execution counts: %v", err)
	}
	if queued != 2 || running != 1 {
		t.Errorf("Counts = (%d, %d), want (2, 1)", queued, running)
	}
}

func TestQueueFindByBatch(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	// An earlier failed attempt and a fresh execution for the same batch
	old, err := NewExecution("batch.extract", "bt_refile", nil, 4)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := queue.Enqueue(old); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := queue.FailExecution(old.ID, errors.New("manifest rejected"), ErrKindValidation); err != nil {
		t.Fatalf("Failed to fail: %v", err)
	}

	current := newQueuedExecution(t, queue, "bt_refile")

	active, err := queue.FindActiveByBatch("bt_refile", "batch.extract")
	if err != nil {
		t.Fatalf("Failed to find active execution: %v", err)
	}
	if active == nil || active.ID != current.ID {
		t.Fatalf("Active = %v, want %s", active, current.ID)
	}

	latest, err := queue.FindLatestByBatch("bt_refile", "batch.extract")
	if err != nil {
		t.Fatalf("Failed to find latest execution: %v", err)
	}
	if latest == nil || latest.ID != current.ID {
		t.Fatalf("Latest = %v, want %s", latest, current.ID)
	}

	// A different workflow name never matches
	other, err := queue.FindActiveByBatch("bt_refile", "batch.reindex")
	if err != nil {
		t.Fatalf("Failed to query other workflow: %v", err)
	}
	if other != nil {
		t.Errorf("Expected nil for other workflow, got %s", other.ID)
	}

	// Once cancelled, the batch has no active execution but keeps a latest
	if err := queue.CancelExecution(current.ID, "operator"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	active, err = queue.FindActiveByBatch("bt_refile", "batch.extract")
	if err != nil {
		t.Fatalf("Failed to find active execution: %v", err)
	}
	if active != nil {
		t.Errorf("Expected no active execution, got %s", active.ID)
	}
	latest, err = queue.FindLatestByBatch("bt_refile", "batch.extract")
	if err != nil {
		t.Fatalf("Failed to find latest execution: %v", err)
	}
	if latest == nil || latest.ID != current.ID {
		t.Fatalf("Latest after cancel = %v, want %s", latest, current.ID)
	}

	all, err := queue.ListByBatch("bt_refile")
	if err != nil {
		t.Fatalf("Failed to list by batch: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListByBatch returned %d executions, want 2", len(all))
	}
}

func TestQueueListExecutions(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	for i := 0; i < 3; i++ {
		newQueuedExecution(t, queue, "bt_list")
	}
	done := newQueuedExecution(t, queue, "bt_list")
	if err := queue.CompleteExecution(done.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	all, err := queue.ListExecutions(nil, 10)
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("ListExecutions(nil) returned %d, want 4", len(all))
	}

	queuedStatus := StatusQueued
	queued, err := queue.ListExecutions(&queuedStatus, 10)
	if err != nil {
		t.Fatalf("Failed to list queued executions: %v", err)
	}
	if len(queued) != 3 {
		t.Errorf("ListExecutions(queued) returned %d, want 3", len(queued))
	}

	limited, err := queue.ListExecutions(nil, 2)
	if err != nil {
		t.Fatalf("Failed to list with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListExecutions(limit=2) returned %d, want 2", len(limited))
	}

	active, err := queue.ListActiveExecutions(10)
	if err != nil {
		t.Fatalf("Failed to list active executions: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("ListActiveExecutions returned %d, want 3", len(active))
	}
}

func TestQueueCleanup(t *testing.T) {
	db := kgforgetest.CreateTestDB(t)
	queue := NewQueue(db)

	done := newQueuedExecution(t, queue, "bt_old")
	if err := queue.CompleteExecution(done.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	live := newQueuedExecution(t, queue, "bt_live")

	// Let the completion timestamp fall behind the cutoff
	time.Sleep(10 * time.Millisecond)

	removed, err := queue.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatalf("Failed to cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup removed %d executions, want 1", removed)
	}

	if _, err := queue.GetExecution(done.ID); !errors.IsNotFoundError(err) {
		t.Errorf("Completed execution should be gone, got err = %v", err)
	}
	if _, err := queue.GetExecution(live.ID); err != nil {
		t.Errorf("Active execution should survive cleanup: %v", err)
	}
}
