package clickhouse

import (
	"context"
	"fmt"
	"time"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// ClaimEventStore implements storage.ClaimEventStore using ClickHouse.
type ClaimEventStore struct {
	conn *Conn
}

// NewClaimEventStore creates a new ClaimEventStore.
func NewClaimEventStore(conn *Conn) *ClaimEventStore {
	return &ClaimEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ClaimEventStore = (*ClaimEventStore)(nil)

// InsertBulk adds multiple attempts. Fails entire batch on duplicate attempt_id.
func (s *ClaimEventStore) InsertBulk(ctx context.Context, attempts []*domain.ClaimAttempt) (err error) {
	defer observe("insert_claim_events", time.Now(), &err)

	if len(attempts) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	ids := make([]string, 0, len(attempts))
	seen := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		if a == nil || a.AttemptID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[a.AttemptID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[a.AttemptID] = struct{}{}
		ids = append(ids, a.AttemptID)
	}

	// MergeTree doesn't enforce uniqueness, check existing rows explicitly
	var count uint64
	if err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM claim_events WHERE attempt_id IN (?)`, ids,
	).Scan(&count); err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO claim_events (
			attempt_id, ledger, account, tx_hash, outcome, amount, ledger_time, version
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, a := range attempts {
		err = batch.Append(
			a.AttemptID, a.Ledger.String(), a.Account.String(), a.TxHash,
			a.Outcome, a.Amount, a.LedgerTime, a.Version,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByLedger retrieves all attempts of a ledger, ordered by version ASC.
func (s *ClaimEventStore) GetByLedger(ctx context.Context, ledger domain.Address) ([]*domain.ClaimAttempt, error) {
	query := `
		SELECT attempt_id, ledger, account, tx_hash, outcome, amount, ledger_time, version
		FROM claim_events
		WHERE ledger = ?
		ORDER BY version ASC, attempt_id ASC
	`

	rows, err := s.conn.Query(ctx, query, ledger.String())
	if err != nil {
		return nil, fmt.Errorf("query claim events: %w", err)
	}
	defer rows.Close()

	var result []*domain.ClaimAttempt
	for rows.Next() {
		var (
			a                  domain.ClaimAttempt
			ledgerStr, account string
		)
		if err := rows.Scan(
			&a.AttemptID, &ledgerStr, &account, &a.TxHash,
			&a.Outcome, &a.Amount, &a.LedgerTime, &a.Version,
		); err != nil {
			return nil, fmt.Errorf("scan claim event row: %w", err)
		}
		if a.Ledger, err = domain.ParseAddress(ledgerStr); err != nil {
			return nil, fmt.Errorf("scan claim event row: %w", err)
		}
		if a.Account, err = domain.ParseAddress(account); err != nil {
			return nil, fmt.Errorf("scan claim event row: %w", err)
		}
		result = append(result, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim event rows: %w", err)
	}
	return result, nil
}

// CountByOutcome returns attempt counts of a ledger grouped by outcome.
func (s *ClaimEventStore) CountByOutcome(ctx context.Context, ledger domain.Address) (map[string]int, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT outcome, count(*)
		FROM claim_events
		WHERE ledger = ?
		GROUP BY outcome
	`, ledger.String())
	if err != nil {
		return nil, fmt.Errorf("count claim events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       uint64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[outcome] = int(n)
	}
	return counts, rows.Err()
}
