package memory

import (
	"context"
	"sort"
	"sync"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// BalanceIndexStore is an in-memory implementation of storage.BalanceIndexStore.
type BalanceIndexStore struct {
	mu   sync.RWMutex
	data map[pairKey]*domain.Balance // keyed by (owner, asset)
}

// NewBalanceIndexStore creates a new in-memory balance index.
func NewBalanceIndexStore() *BalanceIndexStore {
	return &BalanceIndexStore{
		data: make(map[pairKey]*domain.Balance),
	}
}

// Upsert stores a balance unless a row with a higher LastVersion is already indexed.
func (s *BalanceIndexStore) Upsert(_ context.Context, b *domain.Balance) error {
	if b == nil || b.Owner.IsZero() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{b.Owner, b.Asset}
	if existing, ok := s.data[k]; ok && existing.LastVersion > b.LastVersion {
		return nil
	}

	balCopy := *b
	s.data[k] = &balCopy
	return nil
}

// Get retrieves a balance. Returns ErrNotFound if owner never held asset.
func (s *BalanceIndexStore) Get(_ context.Context, owner, asset domain.Address) (*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[pairKey{owner, asset}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	balCopy := *b
	return &balCopy, nil
}

// GetByOwner retrieves all balances of an owner, ordered by asset ASC.
func (s *BalanceIndexStore) GetByOwner(_ context.Context, owner domain.Address) ([]*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Balance
	for k, b := range s.data {
		if k.a == owner {
			balCopy := *b
			result = append(result, &balCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Asset.String() < result[j].Asset.String()
	})

	return result, nil
}

var _ storage.BalanceIndexStore = (*BalanceIndexStore)(nil)
