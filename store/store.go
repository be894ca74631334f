// Package store provides the key-value object store used for durable
// workflow artifacts: batch state snapshots, stage checkpoints, and merged
// graph payloads.
//
// The interface is deliberately narrow. Plain Get/Set/List cover
// fire-and-forget artifacts; GetWithGeneration/SetIfGenerationMatch give
// optimistic concurrency for writers that must not clobber newer data.
package store

import (
	"context"
	"fmt"

	"github.com/kriegcloud/kgforge/errors"
)

// Store is the object storage contract consumed by the workflow core.
type Store interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set writes value under key unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// List returns all keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// GetWithGeneration returns the value and its current generation.
	// Absent keys return generation 0 and found false.
	GetWithGeneration(ctx context.Context, key string) (value []byte, generation int64, found bool, err error)

	// SetIfGenerationMatch writes value only if the stored generation equals
	// expectedGeneration. Use expectedGeneration 0 to create a key that must
	// not yet exist. A stale write fails with *GenerationMismatchError.
	SetIfGenerationMatch(ctx context.Context, key string, value []byte, expectedGeneration int64) error
}

// GenerationMismatchError reports an optimistic-concurrency conflict.
// Callers decide whether to re-read and retry; the store never retries.
type GenerationMismatchError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *GenerationMismatchError) Error() string {
	return fmt.Sprintf("generation mismatch for %q: expected %d, actual %d", e.Key, e.Expected, e.Actual)
}

// IsGenerationMismatch reports whether err is or wraps a generation conflict.
func IsGenerationMismatch(err error) bool {
	var gm *GenerationMismatchError
	return errors.As(err, &gm)
}
