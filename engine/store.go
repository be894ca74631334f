package engine

import (
	"database/sql"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

// Store handles persistence of workflow executions.
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateExecution inserts a new execution into the database.
func (s *Store) CreateExecution(e *Execution) error {
	query := `
		INSERT INTO executions (
			id, workflow, batch_id, payload, status, stage,
			progress_current, progress_total,
			error, error_kind, suspend_reason,
			attempts, next_attempt_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stage := sql.NullString{String: e.Stage, Valid: e.Stage != ""}
	errMsg := sql.NullString{String: e.Error, Valid: e.Error != ""}
	errorKind := sql.NullString{String: e.ErrorKind, Valid: e.ErrorKind != ""}
	suspendReason := sql.NullString{String: e.SuspendReason, Valid: e.SuspendReason != ""}

	_, err := s.db.Exec(query,
		e.ID,
		e.Workflow,
		e.BatchID,
		string(e.Payload),
		e.Status,
		stage,
		e.Progress.Current,
		e.Progress.Total,
		errMsg,
		errorKind,
		suspendReason,
		e.Attempts,
		e.NextAttemptAt,
		e.CreatedAt,
		e.UpdatedAt,
	)

	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}

	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(id string) (*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + ` FROM executions WHERE id = ?`

	var e Execution
	err := ScanExecutionFromRow(s.db.QueryRow(query, id), &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}

	return &e, nil
}

// UpdateExecution updates an existing execution in the database.
func (s *Store) UpdateExecution(e *Execution) error {
	query := `
		UPDATE executions
		SET payload = ?,
		    status = ?,
		    stage = ?,
		    progress_current = ?,
		    progress_total = ?,
		    error = ?,
		    error_kind = ?,
		    suspend_reason = ?,
		    attempts = ?,
		    next_attempt_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	stage := sql.NullString{String: e.Stage, Valid: e.Stage != ""}
	errMsg := sql.NullString{String: e.Error, Valid: e.Error != ""}
	errorKind := sql.NullString{String: e.ErrorKind, Valid: e.ErrorKind != ""}
	suspendReason := sql.NullString{String: e.SuspendReason, Valid: e.SuspendReason != ""}

	result, err := s.db.Exec(query,
		string(e.Payload),
		e.Status,
		stage,
		e.Progress.Current,
		e.Progress.Total,
		errMsg,
		errorKind,
		suspendReason,
		e.Attempts,
		e.NextAttemptAt,
		e.StartedAt,
		e.CompletedAt,
		e.UpdatedAt,
		e.ID,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution not found: %s", e.ID)
	}

	return nil
}

// ListExecutions returns all executions, optionally filtered by status.
func (s *Store) ListExecutions(status *Status, limit int) ([]*Execution, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardExecutionColumns() + ` FROM executions`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	return scanExecutions(rows, "executions")
}

// ListActiveExecutions returns all executions that are queued, running,
// or suspended.
func (s *Store) ListActiveExecutions(limit int) ([]*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + `
		FROM executions
		WHERE status IN ('queued', 'running', 'suspended')
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active executions")
	}
	defer rows.Close()

	return scanExecutions(rows, "active executions")
}

// ListByBatch returns all executions for a batch, oldest first.
func (s *Store) ListByBatch(batchID string) ([]*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + `
		FROM executions
		WHERE batch_id = ?
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions by batch")
	}
	defer rows.Close()

	return scanExecutions(rows, "batch executions")
}

// FindNextDue returns the oldest queued execution whose retry backoff
// has elapsed, or nil if nothing is due. Executions waiting on
// next_attempt_at stay invisible until their time arrives.
func (s *Store) FindNextDue(now time.Time) (*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + `
		FROM executions
		WHERE status = 'queued'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC
		LIMIT 1`

	var e Execution
	err := ScanExecutionFromRow(s.db.QueryRow(query, now.UTC()), &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Nothing due
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find next due execution")
	}

	return &e, nil
}

// scanExecutions is a helper that scans multiple executions from query
// rows. Reduces repetition across the List methods.
func scanExecutions(rows *sql.Rows, context string) ([]*Execution, error) {
	var executions []*Execution
	for rows.Next() {
		var e Execution
		if err := ScanExecutionFromRows(rows, &e); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return executions, nil
}

// DeleteExecution removes an execution from the database.
func (s *Store) DeleteExecution(id string) error {
	query := `DELETE FROM executions WHERE id = ?`

	result, err := s.db.Exec(query, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rows == 0 {
		return errors.NewNotFoundError("execution not found: %s", id)
	}

	return nil
}

// CleanupOldExecutions removes completed, failed, and cancelled
// executions older than the specified duration.
func (s *Store) CleanupOldExecutions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?
	`

	result, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// FindActiveByBatch finds an active (queued, running, or suspended)
// execution of the given workflow for a batch. Returns nil if none
// exists. Submitting the same batch twice reuses the live execution
// this finds instead of starting another.
func (s *Store) FindActiveByBatch(batchID, workflow string) (*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + `
		FROM executions
		WHERE batch_id = ?
		  AND workflow = ?
		  AND status IN ('queued', 'running', 'suspended')
		ORDER BY created_at DESC
		LIMIT 1`

	var e Execution
	err := ScanExecutionFromRow(s.db.QueryRow(query, batchID, workflow), &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No active execution for this batch
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active execution by batch")
	}

	return &e, nil
}

// FindLatestByBatch finds the most recent execution of the given
// workflow for a batch, in any status. Returns nil if the batch has
// never been submitted.
func (s *Store) FindLatestByBatch(batchID, workflow string) (*Execution, error) {
	query := `SELECT ` + StandardExecutionColumns() + `
		FROM executions
		WHERE batch_id = ?
		  AND workflow = ?
		ORDER BY created_at DESC
		LIMIT 1`

	var e Execution
	err := ScanExecutionFromRow(s.db.QueryRow(query, batchID, workflow), &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find latest execution by batch")
	}

	return &e, nil
}
