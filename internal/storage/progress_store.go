package storage

import "context"

// IndexerProgress represents the last ledger version applied to the balance index.
type IndexerProgress struct {
	Version   uint64 // last indexed ledger version
	TxHash    string // hash of the transaction at Version
	UpdatedAt int64  // wall clock, unix ms
}

// IndexerProgressStore provides persistence for indexer state.
// This enables resumption after restarts without re-applying deposits.
type IndexerProgressStore interface {
	// GetLastIndexed returns the last indexed version.
	// Returns ErrNotFound if no progress has been saved yet.
	GetLastIndexed(ctx context.Context) (*IndexerProgress, error)

	// SetLastIndexed saves the last indexed version.
	SetLastIndexed(ctx context.Context, progress *IndexerProgress) error
}
