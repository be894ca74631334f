package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and ephemeral runs.
// Generation semantics match the SQLite implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	value      []byte
	generation int64
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Get returns the value for key
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(obj.value))
	copy(value, obj.value)
	return value, true, nil
}

// Set writes value under key unconditionally
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[key]
	stored := make([]byte, len(value))
	copy(stored, value)
	s.objects[key] = memoryObject{value: stored, generation: obj.generation + 1}
	return nil
}

// List returns all keys with the given prefix, sorted ascending
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// GetWithGeneration returns the value and its current generation
func (s *MemoryStore) GetWithGeneration(_ context.Context, key string) ([]byte, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, 0, false, nil
	}
	value := make([]byte, len(obj.value))
	copy(value, obj.value)
	return value, obj.generation, true, nil
}

// SetIfGenerationMatch writes value only when the stored generation matches
func (s *MemoryStore) SetIfGenerationMatch(_ context.Context, key string, value []byte, expectedGeneration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	actual := int64(0)
	if ok {
		actual = obj.generation
	}
	if actual != expectedGeneration {
		return &GenerationMismatchError{Key: key, Expected: expectedGeneration, Actual: actual}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.objects[key] = memoryObject{value: stored, generation: actual + 1}
	return nil
}
