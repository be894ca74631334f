package store

import (
	"context"
	"database/sql"

	"github.com/kriegcloud/kgforge/errors"
)

// SQLiteStore implements Store over the objects table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates an object store backed by the given database.
// The objects table is created by the db package migrations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the value for key
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM objects WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get object %s", key)
	}
	return value, true, nil
}

// Set writes value under key unconditionally, bumping the generation
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (key, value, generation, updated_at)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			generation = objects.generation + 1,
			updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to set object %s", key)
	}
	return nil
}

// List returns all keys with the given prefix, sorted ascending
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM objects WHERE key LIKE ? || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list objects with prefix %s", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan object key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE key = ?", key)
	if err != nil {
		return errors.Wrapf(err, "failed to delete object %s", key)
	}
	return nil
}

// GetWithGeneration returns the value and its current generation
func (s *SQLiteStore) GetWithGeneration(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var value []byte
	var generation int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, generation FROM objects WHERE key = ?", key).Scan(&value, &generation)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, errors.Wrapf(err, "failed to get object %s", key)
	}
	return value, generation, true, nil
}

// SetIfGenerationMatch writes value only when the stored generation equals
// expectedGeneration. The write and the check are one statement, so
// concurrent writers cannot interleave between them.
func (s *SQLiteStore) SetIfGenerationMatch(ctx context.Context, key string, value []byte, expectedGeneration int64) error {
	if expectedGeneration == 0 {
		// Create-only: fail if the key already exists.
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO objects (key, value, generation, updated_at)
			VALUES (?, ?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO NOTHING`,
			key, value)
		if err != nil {
			return errors.Wrapf(err, "failed to create object %s", key)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read rows affected")
		}
		if affected == 0 {
			actual := s.currentGeneration(ctx, key)
			return &GenerationMismatchError{Key: key, Expected: 0, Actual: actual}
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE objects
		SET value = ?, generation = generation + 1, updated_at = CURRENT_TIMESTAMP
		WHERE key = ? AND generation = ?`,
		value, key, expectedGeneration)
	if err != nil {
		return errors.Wrapf(err, "failed to update object %s", key)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		actual := s.currentGeneration(ctx, key)
		return &GenerationMismatchError{Key: key, Expected: expectedGeneration, Actual: actual}
	}
	return nil
}

// currentGeneration reads the generation for error reporting. Returns 0 when
// the key is absent or unreadable; the mismatch error is already terminal.
func (s *SQLiteStore) currentGeneration(ctx context.Context, key string) int64 {
	var generation int64
	_ = s.db.QueryRowContext(ctx,
		"SELECT generation FROM objects WHERE key = ?", key).Scan(&generation)
	return generation
}
