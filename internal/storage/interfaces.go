package storage

import (
	"context"

	"cabalcoin-lab/internal/domain"
)

// LedgerReader provides read access to claim ledger state.
type LedgerReader interface {
	// GetMetadata retrieves the asset metadata of a ledger. Returns ErrNotFound if not published.
	GetMetadata(ctx context.Context, ledger domain.Address) (*domain.AssetMetadata, error)

	// ListLedgers returns the owners of all published ledgers, ordered by creation time ASC.
	ListLedgers(ctx context.Context) ([]domain.Address, error)

	// GetAllowlistEntry retrieves an allowlist entry. Returns ErrNotFound if account is not listed.
	GetAllowlistEntry(ctx context.Context, ledger, account domain.Address) (*domain.AllowlistEntry, error)

	// ListAllowlist retrieves all entries of a ledger, ordered by added_at ASC.
	ListAllowlist(ctx context.Context, ledger domain.Address) ([]*domain.AllowlistEntry, error)

	// GetClaimRecord retrieves a claim record. Returns ErrNotFound if account has not claimed.
	GetClaimRecord(ctx context.Context, ledger, account domain.Address) (*domain.ClaimRecord, error)

	// GetBalance returns the balance of asset held by owner, 0 if absent.
	GetBalance(ctx context.Context, owner, asset domain.Address) (uint64, error)
}

// LedgerTx is a read-write view of ledger state inside one atomic update.
type LedgerTx interface {
	LedgerReader

	// InsertMetadata adds metadata for a ledger. Returns ErrDuplicateKey if already published.
	InsertMetadata(ctx context.Context, m *domain.AssetMetadata) error

	// UpsertAllowlistEntry adds or replaces the window of an allowlist entry.
	// AddedAt of an existing entry is preserved.
	UpsertAllowlistEntry(ctx context.Context, e *domain.AllowlistEntry) error

	// InsertClaimRecord adds a claim record. Returns ErrDuplicateKey if (ledger, account) exists.
	InsertClaimRecord(ctx context.Context, r *domain.ClaimRecord) error

	// Credit adds amount to the balance of owner and returns the new balance.
	// Returns ErrInvalidInput on overflow.
	Credit(ctx context.Context, owner, asset domain.Address, amount uint64) (uint64, error)
}

// LedgerStore provides atomic access to claim ledger state.
type LedgerStore interface {
	// Update runs fn in a single transaction. Nothing fn wrote is visible
	// to other callers unless fn returns nil.
	Update(ctx context.Context, fn func(tx LedgerTx) error) error

	// View runs fn against a consistent read snapshot.
	View(ctx context.Context, fn func(r LedgerReader) error) error
}

// TransactionStore provides access to transactions storage.
type TransactionStore interface {
	// Insert adds a pending transaction. Returns ErrDuplicateKey if hash or (sender, nonce) exists.
	Insert(ctx context.Context, t *domain.TransactionRecord) error

	// Finalize stores the execution outcome of a transaction. Returns ErrNotFound if hash is unknown.
	Finalize(ctx context.Context, t *domain.TransactionRecord) error

	// GetByHash retrieves a transaction by hash. Returns ErrNotFound if not exists.
	GetByHash(ctx context.Context, hash string) (*domain.TransactionRecord, error)

	// GetBySender retrieves all transactions of a sender, ordered by nonce ASC.
	GetBySender(ctx context.Context, sender domain.Address) ([]*domain.TransactionRecord, error)

	// NextNonce returns the next unused nonce of a sender (0 for a new sender).
	NextNonce(ctx context.Context, sender domain.Address) (uint64, error)

	// LatestVersion returns the highest executed ledger version, 0 if none.
	LatestVersion(ctx context.Context) (uint64, error)
}

// BalanceIndexStore provides access to the indexed fa_balances table.
type BalanceIndexStore interface {
	// Upsert stores a balance. A row with a lower LastVersion never replaces a higher one.
	Upsert(ctx context.Context, b *domain.Balance) error

	// Get retrieves a balance. Returns ErrNotFound if owner never held asset.
	Get(ctx context.Context, owner, asset domain.Address) (*domain.Balance, error)

	// GetByOwner retrieves all balances of an owner, ordered by asset ASC.
	GetByOwner(ctx context.Context, owner domain.Address) ([]*domain.Balance, error)
}

// ClaimEventStore provides access to claim_events analytics storage.
type ClaimEventStore interface {
	// InsertBulk adds multiple attempts atomically. Fails entire batch on duplicate attempt_id.
	InsertBulk(ctx context.Context, attempts []*domain.ClaimAttempt) error

	// GetByLedger retrieves all attempts of a ledger, ordered by version ASC.
	GetByLedger(ctx context.Context, ledger domain.Address) ([]*domain.ClaimAttempt, error)

	// CountByOutcome returns attempt counts of a ledger grouped by outcome.
	CountByOutcome(ctx context.Context, ledger domain.Address) (map[string]int, error)
}
