package memory

import (
	"context"
	"sort"
	"sync"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// ClaimEventStore is an in-memory implementation of storage.ClaimEventStore.
type ClaimEventStore struct {
	mu       sync.RWMutex
	attempts []*domain.ClaimAttempt
	ids      map[string]struct{}
}

// NewClaimEventStore creates a new in-memory claim event store.
func NewClaimEventStore() *ClaimEventStore {
	return &ClaimEventStore{
		ids: make(map[string]struct{}),
	}
}

// InsertBulk adds multiple attempts atomically. Fails entire batch on duplicate attempt_id.
func (s *ClaimEventStore) InsertBulk(_ context.Context, attempts []*domain.ClaimAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		if a == nil || a.AttemptID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.ids[a.AttemptID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := seen[a.AttemptID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[a.AttemptID] = struct{}{}
	}

	for _, a := range attempts {
		attemptCopy := *a
		s.attempts = append(s.attempts, &attemptCopy)
		s.ids[a.AttemptID] = struct{}{}
	}
	return nil
}

// GetByLedger retrieves all attempts of a ledger, ordered by version ASC.
func (s *ClaimEventStore) GetByLedger(_ context.Context, ledger domain.Address) ([]*domain.ClaimAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ClaimAttempt
	for _, a := range s.attempts {
		if a.Ledger == ledger {
			attemptCopy := *a
			result = append(result, &attemptCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result, nil
}

// CountByOutcome returns attempt counts of a ledger grouped by outcome.
func (s *ClaimEventStore) CountByOutcome(_ context.Context, ledger domain.Address) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.attempts {
		if a.Ledger == ledger {
			counts[a.Outcome]++
		}
	}
	return counts, nil
}

var _ storage.ClaimEventStore = (*ClaimEventStore)(nil)
