package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every event to the structured log. It is the
// default publisher when no server is attached, so headless batch runs
// still leave an audit trail.
type LogPublisher struct {
	log *zap.SugaredLogger
}

// NewLogPublisher creates a publisher that logs events.
func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev Event) {
	fields := []interface{}{
		"event_type", string(ev.Type),
	}
	if ev.BatchID != "" {
		fields = append(fields, "batch_id", ev.BatchID)
	}
	if ev.ExecutionID != "" {
		fields = append(fields, "execution_id", ev.ExecutionID)
	}
	for k, v := range ev.Data {
		fields = append(fields, k, v)
	}

	switch ev.Type {
	case TypeError, TypeBatchFailed:
		p.log.Errorw("Workflow event", fields...)
	case TypeStageWarning, TypeValidationFailed:
		p.log.Warnw("Workflow event", fields...)
	default:
		p.log.Infow("Workflow event", fields...)
	}
}
