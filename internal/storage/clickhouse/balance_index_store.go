package clickhouse

import (
	"context"
	"fmt"
	"time"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// BalanceIndexStore implements storage.BalanceIndexStore using ClickHouse.
// fa_balances is a ReplacingMergeTree keyed by (owner_address, asset_type)
// with last_version as the version column; reads use FINAL.
type BalanceIndexStore struct {
	conn *Conn
}

// NewBalanceIndexStore creates a new BalanceIndexStore.
func NewBalanceIndexStore(conn *Conn) *BalanceIndexStore {
	return &BalanceIndexStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BalanceIndexStore = (*BalanceIndexStore)(nil)

// Upsert stores a balance row. Rows with a lower last_version lose on merge.
func (s *BalanceIndexStore) Upsert(ctx context.Context, b *domain.Balance) (err error) {
	defer observe("upsert_balance", time.Now(), &err)

	if b == nil || b.Owner.IsZero() {
		return storage.ErrInvalidInput
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO fa_balances (
			owner_address, asset_type, amount, last_version, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	if err := batch.Append(
		b.Owner.String(), b.Asset.String(), b.Amount, b.LastVersion, b.UpdatedAt,
	); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Get retrieves a balance. Returns ErrNotFound if owner never held asset.
func (s *BalanceIndexStore) Get(ctx context.Context, owner, asset domain.Address) (_ *domain.Balance, err error) {
	defer observe("get_balance", time.Now(), &err)

	query := `
		SELECT owner_address, asset_type, amount, last_version, updated_at
		FROM fa_balances FINAL
		WHERE owner_address = ? AND asset_type = ?
	`

	rows, err := s.conn.Query(ctx, query, owner.String(), asset.String())
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	defer rows.Close()

	balances, err := scanBalances(rows)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, storage.ErrNotFound
	}
	return balances[0], nil
}

// GetByOwner retrieves all balances of an owner, ordered by asset ASC.
func (s *BalanceIndexStore) GetByOwner(ctx context.Context, owner domain.Address) ([]*domain.Balance, error) {
	query := `
		SELECT owner_address, asset_type, amount, last_version, updated_at
		FROM fa_balances FINAL
		WHERE owner_address = ?
		ORDER BY asset_type ASC
	`

	rows, err := s.conn.Query(ctx, query, owner.String())
	if err != nil {
		return nil, fmt.Errorf("query balances by owner: %w", err)
	}
	defer rows.Close()

	return scanBalances(rows)
}

// scanBalances scans multiple rows.
func scanBalances(rows chRows) ([]*domain.Balance, error) {
	var balances []*domain.Balance

	for rows.Next() {
		var (
			b            domain.Balance
			owner, asset string
		)
		if err := rows.Scan(&owner, &asset, &b.Amount, &b.LastVersion, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}

		var err error
		if b.Owner, err = domain.ParseAddress(owner); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		if b.Asset, err = domain.ParseAddress(asset); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		balances = append(balances, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance rows: %w", err)
	}

	return balances, nil
}
