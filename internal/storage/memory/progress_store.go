package memory

import (
	"context"
	"sync"

	"cabalcoin-lab/internal/storage"
)

// IndexerProgressStore is an in-memory implementation of storage.IndexerProgressStore.
type IndexerProgressStore struct {
	mu       sync.RWMutex
	progress *storage.IndexerProgress
}

// NewIndexerProgressStore creates a new in-memory indexer progress store.
func NewIndexerProgressStore() *IndexerProgressStore {
	return &IndexerProgressStore{}
}

// GetLastIndexed returns the last indexed version.
func (s *IndexerProgressStore) GetLastIndexed(_ context.Context) (*storage.IndexerProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.progress == nil {
		return nil, storage.ErrNotFound
	}

	p := *s.progress
	return &p, nil
}

// SetLastIndexed saves the last indexed version.
func (s *IndexerProgressStore) SetLastIndexed(_ context.Context, progress *storage.IndexerProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := *progress
	s.progress = &p
	return nil
}

var _ storage.IndexerProgressStore = (*IndexerProgressStore)(nil)
