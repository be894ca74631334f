package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across kgforge.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldExecutionID = "execution_id"
	FieldBatchID     = "batch_id"
	FieldDocumentID  = "document_id"
	FieldRequestID   = "request_id"

	// Components
	FieldComponent = "component"
	FieldService   = "service"

	// Operations
	FieldOperation = "operation"
	FieldStage     = "stage"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount      = "count"
	FieldSize       = "size"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldHost    = "host"

	// Domain
	FieldScope     = "ontology_scope"
	FieldEntity    = "entity"
	FieldIRI       = "iri"
	FieldPredicate = "predicate"
	FieldSubject   = "subject"
)

// Context keys for propagating logging context
type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	batchIDKey     contextKey = "logger_batch_id"
	componentKey   contextKey = "logger_component"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithBatchID adds a batch ID to the context for logging
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey, batchID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if executionID, ok := ctx.Value(executionIDKey).(string); ok && executionID != "" {
		fields = append(fields, FieldExecutionID, executionID)
	}
	if batchID, ok := ctx.Value(batchIDKey).(string); ok && batchID != "" {
		fields = append(fields, FieldBatchID, batchID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes execution_id, batch_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type WorkerPool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWorkerPool() *WorkerPool {
//	    return &WorkerPool{
//	        logger: logger.ComponentLogger("engine.worker"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	execLogger := logger.ChildLogger(baseLogger, "execution_id", exec.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
