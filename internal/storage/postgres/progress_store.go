package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cabalcoin-lab/internal/storage"
)

// IndexerProgressStore is a PostgreSQL implementation of storage.IndexerProgressStore.
// Uses a single-row indexer_progress table.
type IndexerProgressStore struct {
	pool *Pool
}

// NewIndexerProgressStore creates a new PostgreSQL indexer progress store.
func NewIndexerProgressStore(pool *Pool) *IndexerProgressStore {
	return &IndexerProgressStore{pool: pool}
}

// GetLastIndexed returns the last indexed version.
func (s *IndexerProgressStore) GetLastIndexed(ctx context.Context) (*storage.IndexerProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT version, tx_hash, updated_at
		FROM indexer_progress
		WHERE id = 1
	`)

	var (
		progress storage.IndexerProgress
		version  int64
	)
	err := row.Scan(&version, &progress.TxHash, &progress.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	progress.Version = uint64(version)
	return &progress, nil
}

// SetLastIndexed saves the last indexed version.
// Uses upsert to handle initial insert and subsequent updates.
func (s *IndexerProgressStore) SetLastIndexed(ctx context.Context, progress *storage.IndexerProgress) (err error) {
	defer observe("set_progress", time.Now(), &err)

	if progress == nil {
		return storage.ErrInvalidInput
	}
	version, ok := toInt64(progress.Version)
	if !ok {
		return storage.ErrInvalidInput
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO indexer_progress (id, version, tx_hash, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    tx_hash = EXCLUDED.tx_hash,
		    updated_at = EXCLUDED.updated_at
	`, version, progress.TxHash, progress.UpdatedAt)

	return err
}

var _ storage.IndexerProgressStore = (*IndexerProgressStore)(nil)
