// Package events carries workflow notifications from the engine and
// batch pipeline out to whoever is listening: the log, the WebSocket
// hub, or tests. It is a leaf package so any layer can publish without
// import cycles.
package events

import (
	"context"
	"time"
)

// Type identifies what happened.
type Type string

const (
	// TypeExecutionUpdated fires on any execution status transition.
	TypeExecutionUpdated Type = "execution.updated"

	// TypeStageStarted fires when a workflow stage begins.
	TypeStageStarted Type = "stage.started"

	// TypeStageCompleted fires when a workflow stage finishes.
	TypeStageCompleted Type = "stage.completed"

	// TypeStageWarning fires for recoverable trouble inside a stage,
	// such as preprocessing falling back to defaults.
	TypeStageWarning Type = "stage.warning"

	// TypeBatchState fires whenever a batch's journal state is emitted.
	TypeBatchState Type = "batch.state"

	// TypeBatchCompleted fires when a batch reaches its terminal
	// complete state.
	TypeBatchCompleted Type = "batch.completed"

	// TypeBatchFailed fires when a batch reaches its terminal failed
	// state.
	TypeBatchFailed Type = "batch.failed"

	// TypeValidationFailed fires when SHACL validation reports
	// violations, regardless of whether policy fails the batch.
	TypeValidationFailed Type = "validation.failed"

	// TypeProgress fires for incremental progress inside a stage.
	TypeProgress Type = "progress"

	// TypeError fires when a stage reports an error.
	TypeError Type = "error"
)

// Event is one notification.
type Event struct {
	Type        Type                   `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	BatchID     string                 `json:"batch_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, batchID, executionID string, data map[string]interface{}) Event {
	return Event{
		Type:        t,
		Timestamp:   time.Now().UTC(),
		BatchID:     batchID,
		ExecutionID: executionID,
		Data:        data,
	}
}

// Publisher delivers events to a destination. Implementations must not
// block: publishing happens on workflow hot paths.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) {}
