// Package engine provides the durable execution machinery for kgforge
// workflows: a SQLite-backed execution journal, a queue with subscriber
// notifications, and a worker pool that survives crashes by re-queuing
// orphaned executions. Domain packages register workflow handlers; the
// engine stays ignorant of what the payloads mean.
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/kriegcloud/kgforge/errors"
)

// Status is the engine-level state of an execution. It is distinct from
// the workflow's own state machine, which lives in the payload journal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSuspended,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress tracks completed operations against the known total.
type Progress struct {
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Percentage calculates progress as a percentage (0-100).
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Execution is one durable run of a workflow.
//
// The engine is domain-agnostic: Workflow names the registered handler,
// Payload carries handler-owned data, and BatchID groups executions for
// lookup and deduplication. Everything the worker pool needs to recover
// after a crash is in this row.
type Execution struct {
	ID            string          `json:"id"`
	Workflow      string          `json:"workflow"`
	BatchID       string          `json:"batch_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	Stage         string          `json:"stage,omitempty"`
	Progress      Progress        `json:"progress,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	SuspendReason string          `json:"suspend_reason,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewExecution creates a queued execution for the named workflow.
func NewExecution(workflow, batchID string, payload json.RawMessage, totalOps int) (*Execution, error) {
	return NewExecutionWithID(NewExecutionID(), workflow, batchID, payload, totalOps)
}

// NewExecutionWithID creates a queued execution with a caller-chosen id.
// Callers that derive the id deterministically get deduplication for
// free: the queue's primary key rejects a second insert of the same id.
func NewExecutionWithID(id, workflow, batchID string, payload json.RawMessage, totalOps int) (*Execution, error) {
	if id == "" {
		return nil, errors.New("execution id cannot be empty")
	}
	if workflow == "" {
		return nil, errors.New("workflow cannot be empty")
	}
	if batchID == "" {
		return nil, errors.New("batchID cannot be empty")
	}

	now := time.Now().UTC()
	return &Execution{
		ID:        id,
		Workflow:  workflow,
		BatchID:   batchID,
		Payload:   payload,
		Status:    StatusQueued,
		Progress:  Progress{Current: 0, Total: totalOps},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NewExecutionID mints a short unique execution id.
func NewExecutionID() string {
	u := uuid.New()
	return "ex_" + base58.Encode(u[:])
}

// Start marks the execution as running.
func (e *Execution) Start() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.NextAttemptAt = nil
	e.UpdatedAt = now
}

// Suspend parks the execution after its current stage. The workflow's
// checkpoint stays in the payload journal so Resume picks up where the
// suspended run left off.
func (e *Execution) Suspend(reason string) {
	e.Status = StatusSuspended
	e.SuspendReason = reason
	e.UpdatedAt = time.Now().UTC()
}

// Resume re-queues a suspended execution for pickup by a worker.
func (e *Execution) Resume() {
	e.Status = StatusQueued
	e.SuspendReason = ""
	e.Error = ""
	e.ErrorKind = ""
	e.UpdatedAt = time.Now().UTC()
}

// Complete marks the execution as completed.
func (e *Execution) Complete() {
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// Fail marks the execution as permanently failed.
func (e *Execution) Fail(err error, kind ErrorKind) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.Error = err.Error()
	e.ErrorKind = string(kind)
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// Cancel marks the execution as cancelled with a reason.
func (e *Execution) Cancel(reason string) {
	now := time.Now().UTC()
	e.Status = StatusCancelled
	e.Error = reason
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// ScheduleRetry re-queues the execution for a later attempt. The error
// is preserved so operators can see what the retry is recovering from.
func (e *Execution) ScheduleRetry(err error, kind ErrorKind, at time.Time) {
	e.Status = StatusQueued
	e.Error = err.Error()
	e.ErrorKind = string(kind)
	e.Attempts++
	at = at.UTC()
	e.NextAttemptAt = &at
	e.UpdatedAt = time.Now().UTC()
}

// UpdateProgress updates the execution's progress counter.
func (e *Execution) UpdateProgress(current int) {
	e.Progress.Current = current
	e.UpdatedAt = time.Now().UTC()
}

// SetStage records the workflow stage currently executing.
func (e *Execution) SetStage(stage string) {
	e.Stage = stage
	e.UpdatedAt = time.Now().UTC()
}
