package rpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/txn"
)

// DefaultPollInterval is how often the waiter polls getTransaction.
const DefaultPollInterval = 250 * time.Millisecond

// Waiter blocks until submitted transactions are finalized. It listens on the
// WebSocket subscriber when one is configured and always polls as a fallback.
type Waiter struct {
	client       LedgerClient
	subscriber   TxSubscriber
	pollInterval time.Duration
	logger       *zap.Logger
}

// WaiterOption configures Waiter.
type WaiterOption func(*Waiter)

// WithSubscriber enables push notifications.
func WithSubscriber(s TxSubscriber) WaiterOption {
	return func(w *Waiter) {
		w.subscriber = s
	}
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.pollInterval = d
	}
}

// WithWaiterLogger sets the logger.
func WithWaiterLogger(l *zap.Logger) WaiterOption {
	return func(w *Waiter) {
		w.logger = l
	}
}

// NewWaiter creates a Waiter over client.
func NewWaiter(client LedgerClient, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		client:       client,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitForTransaction blocks until hash is finalized. A zero timeout waits
// until ctx is done. On deadline it returns ErrWaitTimeout; the transaction
// keeps executing on the node. A finalized but aborted transaction is
// returned together with a *TransactionFailedError.
func (w *Waiter) WaitForTransaction(ctx context.Context, hash string, timeout time.Duration) (*domain.TransactionRecord, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var pushed <-chan *domain.TransactionRecord
	if w.subscriber != nil {
		ch, unsubscribe, err := w.subscriber.SubscribeTransaction(ctx, hash)
		if err != nil {
			w.logger.Debug("subscribe failed, polling only", zap.String("hash", hash), zap.Error(err))
		} else {
			defer unsubscribe()
			pushed = ch
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := w.client.GetTransaction(ctx, hash)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if rec != nil && rec.Status.IsFinal() {
			return finalized(rec)
		}

		select {
		case rec, ok := <-pushed:
			if !ok {
				pushed = nil // connection dropped, keep polling
				continue
			}
			if rec != nil && rec.Status.IsFinal() {
				return finalized(rec)
			}
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrWaitTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func finalized(rec *domain.TransactionRecord) (*domain.TransactionRecord, error) {
	if !rec.Success() {
		return rec, &TransactionFailedError{Hash: rec.Hash, VMStatus: rec.VMStatus}
	}
	return rec, nil
}

// Submitter signs, submits and waits for transactions of one sender.
type Submitter struct {
	client  LedgerClient
	waiter  *Waiter
	builder txn.Builder
}

// NewSubmitter creates a Submitter.
func NewSubmitter(client LedgerClient, waiter *Waiter, builder txn.Builder) *Submitter {
	return &Submitter{client: client, waiter: waiter, builder: builder}
}

// Submit signs payload with acct using the node's next sequence number and submits it.
func (s *Submitter) Submit(ctx context.Context, acct *domain.Account, payload txn.Payload) (string, error) {
	info, err := s.client.GetAccount(ctx, acct.Address())
	if err != nil {
		return "", err
	}

	signed, err := txn.Sign(acct, s.builder.Build(acct.Address(), info.SequenceNumber, payload))
	if err != nil {
		return "", err
	}
	return s.client.SubmitTransaction(ctx, signed)
}

// SubmitAndWait submits payload and waits for its finalization.
func (s *Submitter) SubmitAndWait(ctx context.Context, acct *domain.Account, payload txn.Payload, timeout time.Duration) (*domain.TransactionRecord, error) {
	hash, err := s.Submit(ctx, acct, payload)
	if err != nil {
		return nil, err
	}
	return s.waiter.WaitForTransaction(ctx, hash, timeout)
}

// Wait waits for hash with the submitter's waiter.
func (s *Submitter) Wait(ctx context.Context, hash string, timeout time.Duration) (*domain.TransactionRecord, error) {
	return s.waiter.WaitForTransaction(ctx, hash, timeout)
}
