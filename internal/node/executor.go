package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/observability"
	"cabalcoin-lab/internal/storage"
	"cabalcoin-lab/internal/txn"
)

// execute applies one pending transaction, indexes the result, finalizes it
// and wakes subscribers. Only the Run goroutine calls it.
func (n *Node) execute(ctx context.Context, hash string) {
	rec, err := n.txs.GetByHash(ctx, hash)
	if err != nil {
		n.logger.Error("load pending transaction", zap.String("hash", hash), zap.Error(err))
		return
	}
	if rec.Status.IsFinal() {
		return
	}

	var (
		payload txn.Payload
		fn      txn.EntryFunction
		evs     []domain.LedgerEvent
	)
	if err = json.Unmarshal(rec.Payload, &payload); err == nil {
		fn, err = payload.EntryFunction()
	}
	if err != nil {
		err = &linkError{function: rec.Function}
	} else {
		evs, err = n.apply(ctx, rec.Sender, fn, payload)
	}

	ledgerTime := n.LedgerTime()
	finalizedAt := time.Now().UnixMilli()
	rec.Version = n.version.Add(1)
	rec.FinalizedAt = &finalizedAt
	if err == nil {
		rec.Status = domain.TxStatusSuccess
		rec.VMStatus = StatusExecuted
		rec.Events = evs
	} else {
		rec.Status = domain.TxStatusFailed
		rec.VMStatus = VMStatus(fn, err)
		rec.Events = nil
	}

	// Indexed before it is stored as final, so a finalized transaction's
	// balances are readable.
	n.index(ctx, rec, ledgerTime)

	if ferr := n.txs.Finalize(ctx, rec); ferr != nil {
		n.logger.Error("finalize transaction", zap.String("hash", hash), zap.Error(ferr))
	}

	observability.RecordTransaction(fn.Name, string(rec.Status),
		float64(finalizedAt-rec.SubmittedAt)/1000, rec.Version, finalizedAt/1000)

	n.notify(rec)

	n.logger.Debug("transaction finalized",
		zap.String("hash", hash),
		zap.Uint64("version", rec.Version),
		zap.String("status", string(rec.Status)),
		zap.String("vm_status", rec.VMStatus),
	)
}

// index applies rec to the indexer until it succeeds or ctx is done. The
// indexer keeps its progress at the last indexed version, so later
// transactions must not be indexed past a failed one.
func (n *Node) index(ctx context.Context, rec *domain.TransactionRecord, ledgerTime int64) {
	delay := n.opts.IndexRetryDelay
	for attempt := 1; ; attempt++ {
		err := n.indexer.Apply(ctx, rec, ledgerTime)
		if err == nil {
			return
		}
		n.logger.Error("index transaction",
			zap.String("hash", rec.Hash),
			zap.Uint64("version", rec.Version),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxIndexRetryDelay {
			delay = maxIndexRetryDelay
		}
	}
}

// apply dispatches an entry function call.
func (n *Node) apply(ctx context.Context, sender domain.Address, fn txn.EntryFunction, p txn.Payload) ([]domain.LedgerEvent, error) {
	if fn.Address == FrameworkAddress && fn.Module == FaucetModule && fn.Name == FaucetFunction {
		return n.applyFaucet(ctx, sender, p)
	}
	if fn.Module != claim.ModuleName {
		return nil, &linkError{function: fn.String()}
	}

	l, err := n.Ledger(fn.Address)
	if err != nil {
		return nil, err
	}

	var receipt *claim.Receipt
	switch fn.Name {
	case txn.FnInitModule:
		receipt, err = l.Initialize(ctx, sender)
		if err == nil {
			observability.RecordLedgerInitialized()
		}
	case txn.FnAddToAllowlist:
		accounts, window, derr := txn.DecodeAddToAllowlistArgs(p)
		if derr != nil {
			return nil, derr
		}
		receipt, err = l.AddToAllowlist(ctx, sender, accounts, window)
		if err == nil {
			observability.RecordAllowlistUpdate(len(receipt.Listed))
		}
	case txn.FnClaim:
		if len(p.Arguments) != 0 {
			return nil, fmt.Errorf("%w: claim takes no arguments", claim.ErrInvalidArgument)
		}
		receipt, err = l.Claim(ctx, sender)
	default:
		return nil, &linkError{function: fn.String()}
	}
	if err != nil {
		return nil, err
	}
	return receipt.Events, nil
}

// applyFaucet credits native coin. Only the framework account may call it.
func (n *Node) applyFaucet(ctx context.Context, sender domain.Address, p txn.Payload) ([]domain.LedgerEvent, error) {
	if sender != FrameworkAddress {
		return nil, &claim.Failure{Reason: claim.ReasonAuthorization, Account: sender, Detail: "only the framework may mint"}
	}
	if len(p.Arguments) != 2 {
		return nil, fmt.Errorf("%w: fund takes 2 arguments", claim.ErrInvalidArgument)
	}

	var account domain.Address
	if err := json.Unmarshal(p.Arguments[0], &account); err != nil {
		return nil, fmt.Errorf("%w: account: %v", claim.ErrInvalidArgument, err)
	}
	var amountStr string
	if err := json.Unmarshal(p.Arguments[1], &amountStr); err != nil {
		return nil, fmt.Errorf("%w: amount: %v", claim.ErrInvalidArgument, err)
	}
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", claim.ErrInvalidArgument, err)
	}

	var balance uint64
	err = n.opts.LedgerStore.Update(ctx, func(tx storage.LedgerTx) error {
		var err error
		balance, err = tx.Credit(ctx, account, domain.NativeAsset, amount)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return nil, &claim.Failure{Reason: claim.ReasonInvalidArgument, Account: account, Detail: "balance overflow"}
		}
		return nil, &claim.Failure{Reason: claim.ReasonLedgerUnavailable, Detail: "credit native coin", Cause: err}
	}

	return []domain.LedgerEvent{{
		Type:      domain.EventDeposit,
		Ledger:    FrameworkAddress,
		Account:   account,
		Asset:     domain.NativeAsset,
		Amount:    amount,
		Balance:   balance,
		Timestamp: n.LedgerTime(),
	}}, nil
}
