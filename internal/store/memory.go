package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/efreitasn/fundex/internal/domain"
)

// MemoryStore is a thread-safe in-memory SentStore. Records do not
// survive a process restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.SubmissionState // record key → state
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.SubmissionState),
	}
}

// Get returns the recorded state, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, namespace string, key domain.PairKey) (domain.SubmissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.records[recordKey(namespace, key)]
	if !ok {
		return "", ErrNotFound
	}
	return state, nil
}

// Put records state for the pair.
func (s *MemoryStore) Put(_ context.Context, namespace string, key domain.PairKey, state domain.SubmissionState) error {
	if !persistable(state) {
		return fmt.Errorf("state %q is not recorded", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey(namespace, key)] = state
	return nil
}

// Delete removes the pair's record. Deleting a missing record is a no-op.
func (s *MemoryStore) Delete(_ context.Context, namespace string, key domain.PairKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, recordKey(namespace, key))
	return nil
}

// List returns a copy of every record in the namespace.
func (s *MemoryStore) List(_ context.Context, namespace string) (map[domain.PairKey]domain.SubmissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[domain.PairKey]domain.SubmissionState)
	for raw, state := range s.records {
		if key, ok := parseRecordKey(namespace, raw); ok {
			result[key] = state
		}
	}
	return result, nil
}

// Clear drops every record in the namespace.
func (s *MemoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for raw := range s.records {
		if _, ok := parseRecordKey(namespace, raw); ok {
			delete(s.records, raw)
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
