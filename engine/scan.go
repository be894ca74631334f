package engine

import (
	"database/sql"
	"encoding/json"
)

// ExecutionScanArgs holds all the nullable intermediates needed for
// scanning an execution from a database row.
type ExecutionScanArgs struct {
	Payload       sql.NullString
	Stage         sql.NullString
	ErrorMsg      sql.NullString
	ErrorKind     sql.NullString
	SuspendReason sql.NullString
	NextAttemptAt sql.NullTime
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
}

// GetExecutionScanArgs returns an ExecutionScanArgs ready for scanning.
func GetExecutionScanArgs() *ExecutionScanArgs {
	return &ExecutionScanArgs{}
}

// GetExecutionScanTargets returns a slice of interface{} pointers for the
// execution and scan args, in the order expected by the standard
// execution SELECT query.
func GetExecutionScanTargets(e *Execution, args *ExecutionScanArgs) []interface{} {
	return []interface{}{
		&e.ID,
		&e.Workflow,
		&e.BatchID,
		&args.Payload,
		&e.Status,
		&args.Stage,
		&e.Progress.Current,
		&e.Progress.Total,
		&args.ErrorMsg,
		&args.ErrorKind,
		&args.SuspendReason,
		&e.Attempts,
		&args.NextAttemptAt,
		&e.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&e.UpdatedAt,
	}
}

// ProcessExecutionScanArgs copies valid nullable intermediates into the
// execution struct after a successful scan.
func ProcessExecutionScanArgs(e *Execution, args *ExecutionScanArgs) {
	if args.Payload.Valid && args.Payload.String != "" {
		e.Payload = json.RawMessage(args.Payload.String)
	}
	if args.Stage.Valid {
		e.Stage = args.Stage.String
	}
	if args.ErrorMsg.Valid {
		e.Error = args.ErrorMsg.String
	}
	if args.ErrorKind.Valid {
		e.ErrorKind = args.ErrorKind.String
	}
	if args.SuspendReason.Valid {
		e.SuspendReason = args.SuspendReason.String
	}
	if args.NextAttemptAt.Valid {
		e.NextAttemptAt = &args.NextAttemptAt.Time
	}
	if args.StartedAt.Valid {
		e.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		e.CompletedAt = &args.CompletedAt.Time
	}
}

// ScanExecutionFromRow scans a single execution from a sql.Row.
func ScanExecutionFromRow(row *sql.Row, e *Execution) error {
	args := GetExecutionScanArgs()
	targets := GetExecutionScanTargets(e, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	ProcessExecutionScanArgs(e, args)
	return nil
}

// ScanExecutionFromRows scans a single execution from sql.Rows (for use
// in loops).
func ScanExecutionFromRows(rows *sql.Rows, e *Execution) error {
	args := GetExecutionScanArgs()
	targets := GetExecutionScanTargets(e, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	ProcessExecutionScanArgs(e, args)
	return nil
}

// StandardExecutionColumns returns the standard column list for
// execution SELECT queries.
func StandardExecutionColumns() string {
	return `id, workflow, batch_id, payload, status, stage,
		progress_current, progress_total,
		error, error_kind, suspend_reason,
		attempts, next_attempt_at,
		created_at, started_at, completed_at, updated_at`
}
