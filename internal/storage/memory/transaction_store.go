package memory

import (
	"context"
	"sort"
	"sync"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

type senderNonce struct {
	sender domain.Address
	nonce  uint64
}

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu      sync.RWMutex
	byHash  map[string]*domain.TransactionRecord
	byNonce map[senderNonce]string // (sender, nonce) -> hash
	latest  uint64
}

// NewTransactionStore creates a new in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		byHash:  make(map[string]*domain.TransactionRecord),
		byNonce: make(map[senderNonce]string),
	}
}

// Insert adds a pending transaction. Returns ErrDuplicateKey if hash or (sender, nonce) exists.
func (s *TransactionStore) Insert(_ context.Context, t *domain.TransactionRecord) error {
	if t == nil || t.Hash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[t.Hash]; exists {
		return storage.ErrDuplicateKey
	}
	k := senderNonce{t.Sender, t.Nonce}
	if _, exists := s.byNonce[k]; exists {
		return storage.ErrDuplicateKey
	}

	s.byHash[t.Hash] = copyTransaction(t)
	s.byNonce[k] = t.Hash
	return nil
}

// Finalize stores the execution outcome of a transaction.
func (s *TransactionStore) Finalize(_ context.Context, t *domain.TransactionRecord) error {
	if t == nil || t.Hash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byHash[t.Hash]
	if !ok {
		return storage.ErrNotFound
	}

	updated := copyTransaction(existing)
	updated.Status = t.Status
	updated.VMStatus = t.VMStatus
	updated.Version = t.Version
	if t.FinalizedAt != nil {
		at := *t.FinalizedAt
		updated.FinalizedAt = &at
	}
	updated.Events = append([]domain.LedgerEvent(nil), t.Events...)
	s.byHash[t.Hash] = updated

	if t.Version > s.latest {
		s.latest = t.Version
	}
	return nil
}

// GetByHash retrieves a transaction by hash. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByHash(_ context.Context, hash string) (*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byHash[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTransaction(t), nil
}

// GetBySender retrieves all transactions of a sender, ordered by nonce ASC.
func (s *TransactionStore) GetBySender(_ context.Context, sender domain.Address) ([]*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TransactionRecord
	for k, hash := range s.byNonce {
		if k.sender == sender {
			result = append(result, copyTransaction(s.byHash[hash]))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Nonce < result[j].Nonce
	})

	return result, nil
}

// NextNonce returns the next unused nonce of a sender.
func (s *TransactionStore) NextNonce(_ context.Context, sender domain.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next uint64
	found := false
	for k := range s.byNonce {
		if k.sender == sender && (!found || k.nonce >= next) {
			next = k.nonce + 1
			found = true
		}
	}
	return next, nil
}

// LatestVersion returns the highest executed ledger version.
func (s *TransactionStore) LatestVersion(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest, nil
}

func copyTransaction(t *domain.TransactionRecord) *domain.TransactionRecord {
	txCopy := *t
	txCopy.Payload = append([]byte(nil), t.Payload...)
	txCopy.Events = append([]domain.LedgerEvent(nil), t.Events...)
	if t.FinalizedAt != nil {
		at := *t.FinalizedAt
		txCopy.FinalizedAt = &at
	}
	return &txCopy
}

var _ storage.TransactionStore = (*TransactionStore)(nil)
