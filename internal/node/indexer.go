package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/events"
	"cabalcoin-lab/internal/idhash"
	"cabalcoin-lab/internal/observability"
	"cabalcoin-lab/internal/storage"
	"cabalcoin-lab/internal/txn"
)

// Indexer projects finalized transactions into the balance index and the
// claim analytics store, then publishes their events.
type Indexer struct {
	balances    storage.BalanceIndexStore
	claimEvents storage.ClaimEventStore
	progress    storage.IndexerProgressStore
	publisher   events.Publisher
	logger      *zap.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(
	balances storage.BalanceIndexStore,
	claimEvents storage.ClaimEventStore,
	progress storage.IndexerProgressStore,
	publisher events.Publisher,
	logger *zap.Logger,
) *Indexer {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		balances:    balances,
		claimEvents: claimEvents,
		progress:    progress,
		publisher:   publisher,
		logger:      logger,
	}
}

// Apply indexes rec. Versions at or below the saved progress are skipped so
// a restarted node does not apply deposits twice. A failed Apply leaves the
// progress untouched and may be called again with the same rec. Publish
// failures are logged and counted but do not fail indexing.
func (ix *Indexer) Apply(ctx context.Context, rec *domain.TransactionRecord, ledgerTime int64) error {
	last, err := ix.progress.GetLastIndexed(ctx)
	switch {
	case err == nil:
		if rec.Version <= last.Version {
			return nil
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		observability.RecordIndexingError("progress")
		return fmt.Errorf("get indexer progress: %w", err)
	}

	for _, ev := range rec.Events {
		if ev.Type == domain.EventDeposit {
			b := &domain.Balance{
				Owner:       ev.Account,
				Asset:       ev.Asset,
				Amount:      ev.Balance,
				LastVersion: rec.Version,
				UpdatedAt:   ev.Timestamp,
			}
			if err := ix.balances.Upsert(ctx, b); err != nil {
				observability.RecordIndexingError("balance")
				return fmt.Errorf("upsert balance: %w", err)
			}
		}
		observability.RecordEventIndexed(string(ev.Type))
	}

	if attempt := claimAttempt(rec, ledgerTime); attempt != nil {
		// Attempt ids are derived from the hash; a duplicate is a retried version.
		switch err := ix.claimEvents.InsertBulk(ctx, []*domain.ClaimAttempt{attempt}); {
		case err == nil:
			observability.RecordClaim(attempt.Outcome)
		case errors.Is(err, storage.ErrDuplicateKey):
		default:
			observability.RecordIndexingError("claim_event")
			return fmt.Errorf("insert claim attempt: %w", err)
		}
	}

	err = ix.progress.SetLastIndexed(ctx, &storage.IndexerProgress{
		Version:   rec.Version,
		TxHash:    rec.Hash,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		observability.RecordIndexingError("progress")
		return fmt.Errorf("set indexer progress: %w", err)
	}

	if len(rec.Events) > 0 {
		err := ix.publisher.Publish(ctx, events.NewEnvelopes(rec, time.Now()))
		observability.RecordPublish("events", err)
		if err != nil {
			ix.logger.Warn("publish events failed", zap.String("hash", rec.Hash), zap.Error(err))
		}
	}
	return nil
}

// claimAttempt returns the analytics row of a claim transaction, nil for other functions.
func claimAttempt(rec *domain.TransactionRecord, ledgerTime int64) *domain.ClaimAttempt {
	fn, err := txn.ParseEntryFunction(rec.Function)
	if err != nil || fn.Module != claim.ModuleName || fn.Name != txn.FnClaim {
		return nil
	}

	attempt := &domain.ClaimAttempt{
		AttemptID:  idhash.ComputeClaimAttemptID(fn.Address, rec.Sender, rec.Hash),
		Ledger:     fn.Address,
		Account:    rec.Sender,
		TxHash:     rec.Hash,
		LedgerTime: ledgerTime,
		Version:    rec.Version,
	}
	if rec.Success() {
		attempt.Outcome = domain.ClaimOutcomeSuccess
		for _, ev := range rec.Events {
			if ev.Type == domain.EventClaimed {
				attempt.Amount = ev.Amount
			}
		}
	} else {
		attempt.Outcome = claim.ReasonFromStatus(rec.VMStatus).String()
	}
	return attempt
}
