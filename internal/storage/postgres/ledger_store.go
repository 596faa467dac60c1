package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// Update runs in a READ COMMITTED transaction; reads of an allowlist row
// inside Update take a row lock, so concurrent claims by one account
// serialize on that row and the later one observes the committed claim.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// Update runs fn in a single transaction, committed only if fn returns nil.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	var dbErr error
	defer observe("ledger_update", time.Now(), &dbErr)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		dbErr = err
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A rejection from fn rolls back and is not a query failure.
	if err := fn(&ledgerTx{ledgerReader: ledgerReader{q: tx, lock: true}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		dbErr = err
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// View runs fn in a read-only REPEATABLE READ transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(r storage.LedgerReader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerReader{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type ledgerReader struct {
	q    querier
	lock bool // take row locks on allowlist reads
}

func (r *ledgerReader) GetMetadata(ctx context.Context, ledger domain.Address) (*domain.AssetMetadata, error) {
	query := `
		SELECT ledger, handle, name, symbol, decimals, icon_uri, project_uri, created_at
		FROM asset_metadata
		WHERE ledger = $1
	`

	var (
		m              domain.AssetMetadata
		ledgerStr, hdl string
	)
	err := r.q.QueryRow(ctx, query, ledger.String()).Scan(
		&ledgerStr, &hdl, &m.Name, &m.Symbol, &m.Decimals, &m.IconURI, &m.ProjectURI, &m.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get asset metadata: %w", err)
	}

	addrs, err := parseAddresses(ledgerStr, hdl)
	if err != nil {
		return nil, fmt.Errorf("scan asset metadata: %w", err)
	}
	m.Ledger, m.Handle = addrs[0], addrs[1]
	return &m, nil
}

func (r *ledgerReader) ListLedgers(ctx context.Context) ([]domain.Address, error) {
	rows, err := r.q.Query(ctx, `SELECT ledger FROM asset_metadata ORDER BY created_at ASC, ledger ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	var owners []domain.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		a, err := domain.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		owners = append(owners, a)
	}
	return owners, rows.Err()
}

func (r *ledgerReader) GetAllowlistEntry(ctx context.Context, ledger, account domain.Address) (*domain.AllowlistEntry, error) {
	query := `
		SELECT ledger, account, claim_start, claim_end, added_at, updated_at
		FROM allowlist_entries
		WHERE ledger = $1 AND account = $2
	`
	if r.lock {
		query += " FOR UPDATE"
	}

	e, err := scanAllowlistEntry(r.q.QueryRow(ctx, query, ledger.String(), account.String()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get allowlist entry: %w", err)
	}
	return e, nil
}

func (r *ledgerReader) ListAllowlist(ctx context.Context, ledger domain.Address) ([]*domain.AllowlistEntry, error) {
	query := `
		SELECT ledger, account, claim_start, claim_end, added_at, updated_at
		FROM allowlist_entries
		WHERE ledger = $1
		ORDER BY added_at ASC, account ASC
	`

	rows, err := r.q.Query(ctx, query, ledger.String())
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	defer rows.Close()

	var result []*domain.AllowlistEntry
	for rows.Next() {
		e, err := scanAllowlistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allowlist entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *ledgerReader) GetClaimRecord(ctx context.Context, ledger, account domain.Address) (*domain.ClaimRecord, error) {
	query := `
		SELECT amount, claimed_at
		FROM claim_records
		WHERE ledger = $1 AND account = $2
	`

	var amount int64
	rec := domain.ClaimRecord{Ledger: ledger, Account: account}
	err := r.q.QueryRow(ctx, query, ledger.String(), account.String()).Scan(&amount, &rec.ClaimedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get claim record: %w", err)
	}
	rec.Amount = uint64(amount)
	return &rec, nil
}

func (r *ledgerReader) GetBalance(ctx context.Context, owner, asset domain.Address) (uint64, error) {
	var amount int64
	err := r.q.QueryRow(ctx,
		`SELECT amount FROM balances WHERE owner = $1 AND asset = $2`,
		owner.String(), asset.String(),
	).Scan(&amount)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return uint64(amount), nil
}

type ledgerTx struct {
	ledgerReader
}

func (t *ledgerTx) InsertMetadata(ctx context.Context, m *domain.AssetMetadata) error {
	if m == nil || m.Ledger.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO asset_metadata (
			ledger, handle, name, symbol, decimals, icon_uri, project_uri, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.q.Exec(ctx, query,
		m.Ledger.String(),
		m.Handle.String(),
		m.Name,
		m.Symbol,
		int16(m.Decimals),
		m.IconURI,
		m.ProjectURI,
		m.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert asset metadata: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpsertAllowlistEntry(ctx context.Context, e *domain.AllowlistEntry) error {
	if e == nil || e.Ledger.IsZero() || e.Account.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO allowlist_entries (
			ledger, account, claim_start, claim_end, added_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ledger, account) DO UPDATE
		SET claim_start = EXCLUDED.claim_start,
		    claim_end = EXCLUDED.claim_end,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := t.q.Exec(ctx, query,
		e.Ledger.String(),
		e.Account.String(),
		e.Window.Start,
		e.Window.End,
		e.AddedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isInvalidValueError(err) {
			return storage.ErrInvalidInput
		}
		return fmt.Errorf("upsert allowlist entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) InsertClaimRecord(ctx context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Ledger.IsZero() || r.Account.IsZero() {
		return storage.ErrInvalidInput
	}
	amount, ok := toInt64(r.Amount)
	if !ok {
		return storage.ErrInvalidInput
	}

	_, err := t.q.Exec(ctx, `
		INSERT INTO claim_records (ledger, account, amount, claimed_at)
		VALUES ($1, $2, $3, $4)
	`, r.Ledger.String(), r.Account.String(), amount, r.ClaimedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert claim record: %w", err)
	}
	return nil
}

func (t *ledgerTx) Credit(ctx context.Context, owner, asset domain.Address, amount uint64) (uint64, error) {
	delta, ok := toInt64(amount)
	if !ok {
		return 0, storage.ErrInvalidInput
	}

	var balance int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO balances (owner, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, asset) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount
		RETURNING amount
	`, owner.String(), asset.String(), delta).Scan(&balance)
	if err != nil {
		if isInvalidValueError(err) {
			return 0, storage.ErrInvalidInput
		}
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return uint64(balance), nil
}

// scanAllowlistEntry scans a single row into AllowlistEntry.
func scanAllowlistEntry(row pgx.Row) (*domain.AllowlistEntry, error) {
	var (
		e                  domain.AllowlistEntry
		ledgerStr, account string
	)

	err := row.Scan(
		&ledgerStr,
		&account,
		&e.Window.Start,
		&e.Window.End,
		&e.AddedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	addrs, err := parseAddresses(ledgerStr, account)
	if err != nil {
		return nil, err
	}
	e.Ledger, e.Account = addrs[0], addrs[1]
	return &e, nil
}
