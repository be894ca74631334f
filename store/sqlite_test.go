package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgtest "github.com/kriegcloud/kgforge/internal/testing"
)

func TestSQLiteStore_GetSet(t *testing.T) {
	db := kgtest.CreateTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	// Absent key
	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// Write and read back
	require.NoError(t, s.Set(ctx, "batchstate/abc", []byte(`{"stage":"Pending"}`)))
	value, found, err := s.Get(ctx, "batchstate/abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"stage":"Pending"}`, string(value))

	// Overwrite bumps generation
	require.NoError(t, s.Set(ctx, "batchstate/abc", []byte(`{"stage":"Extracting"}`)))
	_, generation, found, err := s.GetWithGeneration(ctx, "batchstate/abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), generation)
}

func TestSQLiteStore_List(t *testing.T) {
	db := kgtest.CreateTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "batchstate/b1", []byte("1")))
	require.NoError(t, s.Set(ctx, "batchstate/b2", []byte("2")))
	require.NoError(t, s.Set(ctx, "checkpoint/b1", []byte("3")))

	keys, err := s.List(ctx, "batchstate/")
	require.NoError(t, err)
	assert.Equal(t, []string{"batchstate/b1", "batchstate/b2"}, keys)

	keys, err = s.List(ctx, "nope/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSQLiteStore_Delete(t *testing.T) {
	db := kgtest.CreateTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is not an error
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestSQLiteStore_SetIfGenerationMatch(t *testing.T) {
	db := kgtest.CreateTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	t.Run("create with generation zero", func(t *testing.T) {
		require.NoError(t, s.SetIfGenerationMatch(ctx, "obj", []byte("v1"), 0))

		_, generation, found, err := s.GetWithGeneration(ctx, "obj")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(1), generation)
	})

	t.Run("create conflicts when key exists", func(t *testing.T) {
		err := s.SetIfGenerationMatch(ctx, "obj", []byte("v2"), 0)
		require.Error(t, err)
		assert.True(t, IsGenerationMismatch(err))

		var gm *GenerationMismatchError
		require.ErrorAs(t, err, &gm)
		assert.Equal(t, int64(0), gm.Expected)
		assert.Equal(t, int64(1), gm.Actual)
	})

	t.Run("update with matching generation", func(t *testing.T) {
		require.NoError(t, s.SetIfGenerationMatch(ctx, "obj", []byte("v2"), 1))

		value, generation, _, err := s.GetWithGeneration(ctx, "obj")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))
		assert.Equal(t, int64(2), generation)
	})

	t.Run("stale update fails", func(t *testing.T) {
		err := s.SetIfGenerationMatch(ctx, "obj", []byte("v3"), 1)
		require.Error(t, err)
		assert.True(t, IsGenerationMismatch(err))

		// Value unchanged after the failed write
		value, _, err2 := s.Get(ctx, "obj")
		require.NoError(t, err2)
		assert.Equal(t, "v2", string(value))
	})
}

func TestMemoryStore_MatchesSQLiteSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetIfGenerationMatch(ctx, "obj", []byte("v1"), 0))
	require.NoError(t, s.SetIfGenerationMatch(ctx, "obj", []byte("v2"), 1))

	err := s.SetIfGenerationMatch(ctx, "obj", []byte("v3"), 1)
	require.Error(t, err)
	assert.True(t, IsGenerationMismatch(err))

	value, generation, found, err := s.GetWithGeneration(ctx, "obj")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(value))
	assert.Equal(t, int64(2), generation)

	keys, err := s.List(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, []string{"obj"}, keys)
}
