package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/events"
)

// ExecutionEmitter implements ProgressEmitter for a running execution.
// Stage transitions and progress are persisted through the queue so the
// journal survives a crash mid-stage; every update is also published to
// the event stream.
type ExecutionEmitter struct {
	execution *Execution
	queue     *Queue
	publisher events.Publisher
	log       *zap.SugaredLogger // Context-aware logger with execution_id pre-configured
}

// NewExecutionEmitter creates a progress emitter for an execution.
// The provided logger should be the WorkerPool's logger; publisher may
// be nil for standalone runs.
func NewExecutionEmitter(e *Execution, queue *Queue, publisher events.Publisher, baseLogger *zap.SugaredLogger) *ExecutionEmitter {
	contextLogger := baseLogger.With("execution_id", e.ID, "batch_id", e.BatchID)

	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &ExecutionEmitter{
		execution: e,
		queue:     queue,
		publisher: publisher,
		log:       contextLogger,
	}
}

// EmitStage persists the stage transition and announces it.
func (e *ExecutionEmitter) EmitStage(stage, message string) {
	e.execution.SetStage(stage)
	if err := e.queue.UpdateExecution(e.execution); err != nil {
		e.log.Warnw("Failed to persist stage transition",
			"stage", stage,
			"error", err,
		)
	}

	e.publisher.Publish(context.Background(), events.New(
		events.TypeStageStarted, e.execution.BatchID, e.execution.ID,
		map[string]interface{}{"stage": stage, "message": message},
	))
}

// EmitProgress advances the execution's progress counter and persists it.
func (e *ExecutionEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	e.execution.UpdateProgress(e.execution.Progress.Current + count)

	if err := e.queue.UpdateExecution(e.execution); err != nil {
		e.log.Warnw("Failed to persist progress",
			"count", count,
			"error", err,
		)
	}

	data := map[string]interface{}{
		"current": e.execution.Progress.Current,
		"total":   e.execution.Progress.Total,
	}
	for k, v := range metadata {
		data[k] = v
	}
	e.publisher.Publish(context.Background(), events.New(
		events.TypeProgress, e.execution.BatchID, e.execution.ID, data,
	))
}

// EmitWarning logs and publishes a stage warning without touching
// execution state.
func (e *ExecutionEmitter) EmitWarning(stage, message string) {
	e.log.Warnw("Stage warning",
		"stage", stage,
		"message", message,
	)

	e.publisher.Publish(context.Background(), events.New(
		events.TypeStageWarning, e.execution.BatchID, e.execution.ID,
		map[string]interface{}{"stage": stage, "message": message},
	))
}

// EmitComplete publishes the completion summary. The terminal status
// transition itself is handled by the worker.
func (e *ExecutionEmitter) EmitComplete(summary map[string]interface{}) {
	e.publisher.Publish(context.Background(), events.New(
		events.TypeStageCompleted, e.execution.BatchID, e.execution.ID, summary,
	))
}

// EmitError logs the classified error, records it on the execution, and
// publishes it.
func (e *ExecutionEmitter) EmitError(stage string, err error) {
	ec := Classify(err, stage)

	e.log.Errorw("Execution error",
		"stage", stage,
		"error_kind", string(ec.Kind),
		"error", err,
		"retryable", ec.Retryable,
		"recoverable", ec.Recoverable,
	)

	e.execution.Error = ec.Message
	e.execution.ErrorKind = string(ec.Kind)
	if updateErr := e.queue.UpdateExecution(e.execution); updateErr != nil {
		e.log.Warnw("Failed to persist execution error state",
			"error", updateErr,
		)
	}

	e.publisher.Publish(context.Background(), events.New(
		events.TypeError, e.execution.BatchID, e.execution.ID,
		map[string]interface{}{
			"stage":       ec.Stage,
			"kind":        string(ec.Kind),
			"error":       ec.Message,
			"retryable":   ec.Retryable,
			"recoverable": ec.Recoverable,
		},
	))
}

// EmitInfo logs informational messages.
func (e *ExecutionEmitter) EmitInfo(message string) {
	e.log.Info(message)
}
