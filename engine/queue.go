package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

const (
	// MaxExecutionsLimit is the maximum number of executions that can be queued
	MaxExecutionsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue coordinates execution state transitions and fans updates out to
// subscribers. All writes go through the queue so every transition is
// both persisted and announced.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Execution // Channels to notify of execution updates
}

// NewQueue creates a new execution queue.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Execution, 0),
	}
}

// Store exposes the underlying execution store for read paths that do
// not need queue coordination.
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a new execution to the queue.
func (q *Queue) Enqueue(e *Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to enqueue execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Workflow: %s", e.Workflow))
		err = errors.WithDetail(err, fmt.Sprintf("Batch: %s", e.BatchID))
		return err
	}

	// Notify subscribers of new execution
	q.notifySubscribers(e)

	return nil
}

// Dequeue gets the next due queued execution and marks it as running.
// Executions whose retry backoff has not elapsed are skipped.
func (q *Queue) Dequeue() (*Execution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.FindNextDue(time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to get due executions")
	}
	if e == nil {
		return nil, nil // Nothing available
	}

	e.Start()

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to mark execution as running")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Workflow: %s", e.Workflow))
		err = errors.WithDetail(err, fmt.Sprintf("Batch: %s", e.BatchID))
		return nil, err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return e, nil
}

// GetExecution retrieves an execution by ID.
func (q *Queue) GetExecution(id string) (*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetExecution(id)
}

// UpdateExecution updates an execution's state.
func (q *Queue) UpdateExecution(e *Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to update execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Workflow: %s", e.Workflow))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", e.Status))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// SuspendExecution suspends a queued or running execution. The workflow
// checkpoint in the payload journal is preserved, so a later Resume
// restarts from the last completed stage rather than the beginning.
func (q *Queue) SuspendExecution(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.GetExecution(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to suspend execution %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Suspend reason: %s", reason))
		return err
	}

	if e.Status != StatusQueued && e.Status != StatusRunning {
		err := errors.Newf("execution %s is not active (status: %s)", id, e.Status)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Current status: %s", e.Status))
		return err
	}

	e.Suspend(reason)

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to suspend execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Suspend reason: %s", reason))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// ResumeExecution re-queues a suspended execution. The next available
// worker picks it up and the workflow continues from its checkpoint.
func (q *Queue) ResumeExecution(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.GetExecution(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to resume execution %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		return err
	}

	if e.Status != StatusSuspended {
		err := errors.Newf("execution %s is not suspended (status: %s)", id, e.Status)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Current status: %s", e.Status))
		return err
	}

	e.Resume()

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to resume execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// CompleteExecution marks an execution as completed.
func (q *Queue) CompleteExecution(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.GetExecution(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to complete execution %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		return err
	}

	e.Complete()

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to complete execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Workflow: %s", e.Workflow))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// FailExecution marks an execution as permanently failed.
func (q *Queue) FailExecution(id string, execErr error, kind ErrorKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.GetExecution(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to mark execution %s as failed", id)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		return err
	}

	e.Fail(execErr, kind)

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to mark execution as failed")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Workflow: %s", e.Workflow))
		err = errors.WithDetail(err, fmt.Sprintf("Execution error: %s", execErr.Error()))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// CancelExecution cancels a non-terminal execution with a reason.
func (q *Queue) CancelExecution(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.GetExecution(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to cancel execution %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		return err
	}

	if e.Status.IsTerminal() {
		err := errors.Newf("execution %s already finished (status: %s)", id, e.Status)
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", id))
		return err
	}

	e.Cancel(reason)

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to cancel execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Cancel reason: %s", reason))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// RetryExecutionAt re-queues an execution for a later attempt.
func (q *Queue) RetryExecutionAt(e *Execution, execErr error, kind ErrorKind, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.ScheduleRetry(execErr, kind, at)

	if err := q.store.UpdateExecution(e); err != nil {
		err = errors.Wrap(err, "failed to schedule retry")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Attempt: %d", e.Attempts))
		err = errors.WithDetail(err, fmt.Sprintf("Next attempt at: %s", at.Format(time.RFC3339)))
		return err
	}

	// Notify subscribers of execution update
	q.notifySubscribers(e)

	return nil
}

// ListExecutions returns executions, optionally filtered by status.
func (q *Queue) ListExecutions(status *Status, limit int) ([]*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListExecutions(status, limit)
}

// ListActiveExecutions returns all active (queued, running, suspended)
// executions.
func (q *Queue) ListActiveExecutions(limit int) ([]*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListActiveExecutions(limit)
}

// ListByBatch returns all executions for a batch.
func (q *Queue) ListByBatch(batchID string) ([]*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListByBatch(batchID)
}

// Subscribe returns a channel that receives execution updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Execution {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Execution, SubscriberChannelBufferSize) // Buffered to avoid blocking
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed. This prevents double-close
// panics.
func (q *Queue) Unsubscribe(ch chan *Execution) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			// Remove from slice without closing - caller manages channel lifecycle
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends execution updates to all subscribers.
// REQUIRES: q.mu must be held by caller (either Lock or RLock).
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(e *Execution) {
	for _, ch := range q.subscribers {
		select {
		case ch <- e:
			// Sent successfully
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// Cleanup removes old completed/failed/cancelled executions.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldExecutions(olderThan)
}

// QueueStats returns statistics about the queue.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Suspended int `json:"suspended"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics.
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := &QueueStats{}

	// Count executions by status
	for _, status := range []Status{StatusQueued, StatusRunning, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled} {
		status := status
		executions, err := q.store.ListExecutions(&status, MaxExecutionsLimit) // High limit to count all
		if err != nil {
			err = errors.Wrapf(err, "failed to count %s executions", status)
			err = errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
			return nil, err
		}

		count := len(executions)
		switch status {
		case StatusQueued:
			stats.Queued = count
		case StatusRunning:
			stats.Running = count
		case StatusSuspended:
			stats.Suspended = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}

	return stats, nil
}

// GetExecutionCounts returns quick counts of queued and running
// executions (for system metrics).
func (q *Queue) GetExecutionCounts() (queued int, running int, err error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	// Quick count without detailed stats - optimized for frequent polling
	queuedStatus := StatusQueued
	runningStatus := StatusRunning

	queuedExecutions, err := q.store.ListExecutions(&queuedStatus, MaxExecutionsLimit)
	if err != nil {
		err = errors.Wrap(err, "failed to count queued executions")
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", queuedStatus))
		return 0, 0, err
	}

	runningExecutions, err := q.store.ListExecutions(&runningStatus, MaxExecutionsLimit)
	if err != nil {
		err = errors.Wrap(err, "failed to count running executions")
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", runningStatus))
		return 0, 0, err
	}

	return len(queuedExecutions), len(runningExecutions), nil
}

// FindActiveByBatch finds an active execution of the given workflow for
// a batch. Returns nil if no active execution exists.
func (q *Queue) FindActiveByBatch(batchID, workflow string) (*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.FindActiveByBatch(batchID, workflow)
}

// FindLatestByBatch finds the most recent execution of the given
// workflow for a batch, in any status.
func (q *Queue) FindLatestByBatch(batchID, workflow string) (*Execution, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.FindLatestByBatch(batchID, workflow)
}
