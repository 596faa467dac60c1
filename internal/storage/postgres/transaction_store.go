package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// TransactionStore implements storage.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransactionStore = (*TransactionStore)(nil)

// Insert adds a pending transaction. Returns ErrDuplicateKey if hash or (sender, nonce) exists.
func (s *TransactionStore) Insert(ctx context.Context, t *domain.TransactionRecord) (err error) {
	defer observe("insert_transaction", time.Now(), &err)

	if t == nil || t.Hash == "" {
		return storage.ErrInvalidInput
	}
	nonce, ok := toInt64(t.Nonce)
	if !ok {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO transactions (
			hash, sender, function, payload, nonce, status, vm_status, version, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.pool.Exec(ctx, query,
		t.Hash,
		t.Sender.String(),
		t.Function,
		payloadJSON(t.Payload),
		nonce,
		string(t.Status),
		t.VMStatus,
		int64(t.Version),
		t.SubmittedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Finalize stores the execution outcome of a transaction.
func (s *TransactionStore) Finalize(ctx context.Context, t *domain.TransactionRecord) (err error) {
	defer observe("finalize_transaction", time.Now(), &err)

	if t == nil || t.Hash == "" {
		return storage.ErrInvalidInput
	}

	events, err := json.Marshal(t.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $2, vm_status = $3, version = $4, finalized_at = $5, events = $6
		WHERE hash = $1
	`, t.Hash, string(t.Status), t.VMStatus, int64(t.Version), t.FinalizedAt, string(events))
	if err != nil {
		return fmt.Errorf("finalize transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByHash retrieves a transaction by hash. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByHash(ctx context.Context, hash string) (_ *domain.TransactionRecord, err error) {
	defer observe("get_transaction", time.Now(), &err)

	query := `
		SELECT hash, sender, function, payload, nonce, status, vm_status, version,
		       submitted_at, finalized_at, events
		FROM transactions
		WHERE hash = $1
	`

	t, err := scanTransaction(s.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by hash: %w", err)
	}
	return t, nil
}

// GetBySender retrieves all transactions of a sender, ordered by nonce ASC.
func (s *TransactionStore) GetBySender(ctx context.Context, sender domain.Address) ([]*domain.TransactionRecord, error) {
	query := `
		SELECT hash, sender, function, payload, nonce, status, vm_status, version,
		       submitted_at, finalized_at, events
		FROM transactions
		WHERE sender = $1
		ORDER BY nonce ASC
	`

	rows, err := s.pool.Query(ctx, query, sender.String())
	if err != nil {
		return nil, fmt.Errorf("query transactions by sender: %w", err)
	}
	defer rows.Close()

	var result []*domain.TransactionRecord
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// NextNonce returns the next unused nonce of a sender.
func (s *TransactionStore) NextNonce(ctx context.Context, sender domain.Address) (uint64, error) {
	var next int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(nonce) + 1, 0) FROM transactions WHERE sender = $1`,
		sender.String(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	return uint64(next), nil
}

// LatestVersion returns the highest executed ledger version.
func (s *TransactionStore) LatestVersion(ctx context.Context) (uint64, error) {
	var latest int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM transactions`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return uint64(latest), nil
}

func payloadJSON(p json.RawMessage) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

// scanTransaction scans a single row into TransactionRecord.
func scanTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		t               domain.TransactionRecord
		sender, status  string
		nonce, version  int64
		payload, events []byte
	)

	err := row.Scan(
		&t.Hash,
		&sender,
		&t.Function,
		&payload,
		&nonce,
		&status,
		&t.VMStatus,
		&version,
		&t.SubmittedAt,
		&t.FinalizedAt,
		&events,
	)
	if err != nil {
		return nil, err
	}

	t.Sender, err = domain.ParseAddress(sender)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TxStatus(status)
	t.Nonce = uint64(nonce)
	t.Version = uint64(version)
	if len(payload) > 0 && string(payload) != "null" {
		t.Payload = json.RawMessage(payload)
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &t.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}

	return &t, nil
}
