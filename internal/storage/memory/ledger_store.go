package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

type pairKey struct {
	a domain.Address
	b domain.Address
}

// ledgerState is the committed or staged content of a LedgerStore.
type ledgerState struct {
	metadata  map[domain.Address]*domain.AssetMetadata
	allowlist map[pairKey]*domain.AllowlistEntry // keyed by (ledger, account)
	claims    map[pairKey]*domain.ClaimRecord    // keyed by (ledger, account)
	balances  map[pairKey]uint64                 // keyed by (owner, asset)
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		metadata:  make(map[domain.Address]*domain.AssetMetadata),
		allowlist: make(map[pairKey]*domain.AllowlistEntry),
		claims:    make(map[pairKey]*domain.ClaimRecord),
		balances:  make(map[pairKey]uint64),
	}
}

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// Updates are serialized; each update writes into a staged set that is
// merged into the committed state only when the update succeeds.
type LedgerStore struct {
	mu    sync.RWMutex
	state *ledgerState
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{state: newLedgerState()}
}

// Update runs fn with exclusive access. Staged writes are discarded if fn fails.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ledgerTx{
		ledgerReader: ledgerReader{base: s.state},
		staged:       newLedgerState(),
	}
	tx.ledgerReader.staged = tx.staged

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit(s.state)
	return nil
}

// View runs fn under a shared lock.
func (s *LedgerStore) View(ctx context.Context, fn func(r storage.LedgerReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&ledgerReader{base: s.state})
}

// ledgerReader reads staged values first, then committed ones.
type ledgerReader struct {
	base   *ledgerState
	staged *ledgerState // nil outside of Update
}

func (r *ledgerReader) GetMetadata(_ context.Context, ledger domain.Address) (*domain.AssetMetadata, error) {
	if r.staged != nil {
		if m, ok := r.staged.metadata[ledger]; ok {
			metaCopy := *m
			return &metaCopy, nil
		}
	}
	m, ok := r.base.metadata[ledger]
	if !ok {
		return nil, storage.ErrNotFound
	}
	metaCopy := *m
	return &metaCopy, nil
}

func (r *ledgerReader) ListLedgers(_ context.Context) ([]domain.Address, error) {
	all := make([]*domain.AssetMetadata, 0, len(r.base.metadata))
	for _, m := range r.base.metadata {
		all = append(all, m)
	}
	if r.staged != nil {
		for _, m := range r.staged.metadata {
			all = append(all, m)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt < all[j].CreatedAt
		}
		return all[i].Ledger.String() < all[j].Ledger.String()
	})

	owners := make([]domain.Address, len(all))
	for i, m := range all {
		owners[i] = m.Ledger
	}
	return owners, nil
}

func (r *ledgerReader) GetAllowlistEntry(_ context.Context, ledger, account domain.Address) (*domain.AllowlistEntry, error) {
	k := pairKey{ledger, account}
	if r.staged != nil {
		if e, ok := r.staged.allowlist[k]; ok {
			entryCopy := *e
			return &entryCopy, nil
		}
	}
	e, ok := r.base.allowlist[k]
	if !ok {
		return nil, storage.ErrNotFound
	}
	entryCopy := *e
	return &entryCopy, nil
}

func (r *ledgerReader) ListAllowlist(_ context.Context, ledger domain.Address) ([]*domain.AllowlistEntry, error) {
	merged := make(map[domain.Address]*domain.AllowlistEntry)
	for k, e := range r.base.allowlist {
		if k.a == ledger {
			merged[k.b] = e
		}
	}
	if r.staged != nil {
		for k, e := range r.staged.allowlist {
			if k.a == ledger {
				merged[k.b] = e
			}
		}
	}

	result := make([]*domain.AllowlistEntry, 0, len(merged))
	for _, e := range merged {
		entryCopy := *e
		result = append(result, &entryCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].AddedAt != result[j].AddedAt {
			return result[i].AddedAt < result[j].AddedAt
		}
		return result[i].Account.String() < result[j].Account.String()
	})

	return result, nil
}

func (r *ledgerReader) GetClaimRecord(_ context.Context, ledger, account domain.Address) (*domain.ClaimRecord, error) {
	k := pairKey{ledger, account}
	if r.staged != nil {
		if c, ok := r.staged.claims[k]; ok {
			recCopy := *c
			return &recCopy, nil
		}
	}
	c, ok := r.base.claims[k]
	if !ok {
		return nil, storage.ErrNotFound
	}
	recCopy := *c
	return &recCopy, nil
}

func (r *ledgerReader) GetBalance(_ context.Context, owner, asset domain.Address) (uint64, error) {
	k := pairKey{owner, asset}
	if r.staged != nil {
		if v, ok := r.staged.balances[k]; ok {
			return v, nil
		}
	}
	return r.base.balances[k], nil
}

// ledgerTx stages writes for a single Update call.
type ledgerTx struct {
	ledgerReader
	staged *ledgerState
}

func (t *ledgerTx) InsertMetadata(ctx context.Context, m *domain.AssetMetadata) error {
	if m == nil || m.Ledger.IsZero() {
		return storage.ErrInvalidInput
	}
	if _, err := t.GetMetadata(ctx, m.Ledger); err == nil {
		return storage.ErrDuplicateKey
	}

	metaCopy := *m
	t.staged.metadata[m.Ledger] = &metaCopy
	return nil
}

func (t *ledgerTx) UpsertAllowlistEntry(ctx context.Context, e *domain.AllowlistEntry) error {
	if e == nil || e.Ledger.IsZero() || e.Account.IsZero() {
		return storage.ErrInvalidInput
	}

	entryCopy := *e
	if existing, err := t.GetAllowlistEntry(ctx, e.Ledger, e.Account); err == nil {
		entryCopy.AddedAt = existing.AddedAt
	}
	t.staged.allowlist[pairKey{e.Ledger, e.Account}] = &entryCopy
	return nil
}

func (t *ledgerTx) InsertClaimRecord(ctx context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Ledger.IsZero() || r.Account.IsZero() {
		return storage.ErrInvalidInput
	}
	if _, err := t.GetClaimRecord(ctx, r.Ledger, r.Account); err == nil {
		return storage.ErrDuplicateKey
	}

	recCopy := *r
	t.staged.claims[pairKey{r.Ledger, r.Account}] = &recCopy
	return nil
}

func (t *ledgerTx) Credit(ctx context.Context, owner, asset domain.Address, amount uint64) (uint64, error) {
	current, err := t.GetBalance(ctx, owner, asset)
	if err != nil {
		return 0, err
	}
	if amount > math.MaxUint64-current {
		return 0, storage.ErrInvalidInput
	}

	next := current + amount
	t.staged.balances[pairKey{owner, asset}] = next
	return next, nil
}

func (t *ledgerTx) commit(dst *ledgerState) {
	for k, v := range t.staged.metadata {
		dst.metadata[k] = v
	}
	for k, v := range t.staged.allowlist {
		dst.allowlist[k] = v
	}
	for k, v := range t.staged.claims {
		dst.claims[k] = v
	}
	for k, v := range t.staged.balances {
		dst.balances[k] = v
	}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)
