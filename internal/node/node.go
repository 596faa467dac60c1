// Package node is an in-process devnet: it accepts signed transactions,
// executes them one at a time against the claim ledgers, finalizes and
// indexes the results, and serves them over JSON-RPC and WebSocket.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/events"
	"cabalcoin-lab/internal/observability"
	"cabalcoin-lab/internal/storage"
	"cabalcoin-lab/internal/storage/memory"
	"cabalcoin-lab/internal/txn"
)

// FrameworkAddress hosts the faucet module.
var FrameworkAddress = domain.Address{domain.AddressLength - 1: 0x01}

// Faucet entry function.
const (
	FaucetModule   = "faucet"
	FaucetFunction = "fund"
)

// Defaults.
const (
	DefaultChainID      uint8  = 4
	DefaultFaucetAmount uint64 = 100_000_000
	DefaultQueueSize           = 1024
	DefaultIndexRetryDelay     = 100 * time.Millisecond
	maxIndexRetryDelay         = 5 * time.Second
)

// VM statuses of finalized transactions that did not abort in the ledger.
const (
	StatusExecuted    = "Executed successfully"
	StatusLinkerError = "LINKER_ERROR"
)

// Submission errors.
var (
	ErrRejected         = errors.New("transaction rejected")
	ErrSequenceMismatch = errors.New("sequence number mismatch")
	ErrChainIDMismatch  = errors.New("chain id mismatch")
	ErrUnknownView      = errors.New("unknown view function")
)

// Options configures a Node.
type Options struct {
	LedgerStore  storage.LedgerStore          // required
	Transactions storage.TransactionStore     // required
	Balances     storage.BalanceIndexStore    // required
	ClaimEvents  storage.ClaimEventStore      // required
	Progress     storage.IndexerProgressStore // required
	Publisher    events.Publisher             // defaults to events.Nop
	Clock        claim.Clock                  // defaults to claim.SystemClock
	ChainID      uint8
	ClaimAmount  uint64
	Asset        claim.AssetInfo
	FaucetAmount uint64
	QueueSize    int
	Logger       *zap.Logger

	// IndexRetryDelay is the first pause before indexing a finalized
	// transaction again. Execution waits until indexing succeeds.
	IndexRetryDelay time.Duration
}

// WithMemoryStores fills every unset store with an in-memory implementation.
func WithMemoryStores(opts Options) Options {
	if opts.LedgerStore == nil {
		opts.LedgerStore = memory.NewLedgerStore()
	}
	if opts.Transactions == nil {
		opts.Transactions = memory.NewTransactionStore()
	}
	if opts.Balances == nil {
		opts.Balances = memory.NewBalanceIndexStore()
	}
	if opts.ClaimEvents == nil {
		opts.ClaimEvents = memory.NewClaimEventStore()
	}
	if opts.Progress == nil {
		opts.Progress = memory.NewIndexerProgressStore()
	}
	return opts
}

// Node executes transactions serially in submission order.
type Node struct {
	opts    Options
	txs     storage.TransactionStore
	indexer *Indexer
	clock   claim.Clock
	logger  *zap.Logger

	ledgersMu sync.Mutex
	ledgers   map[domain.Address]*claim.Ledger

	queue   chan string
	pending atomic.Int64
	version atomic.Uint64

	waitersMu sync.Mutex
	waiters   map[string][]chan *domain.TransactionRecord

	faucetMu sync.Mutex
}

// New creates a Node. Call Run to start executing transactions.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.LedgerStore == nil || opts.Transactions == nil || opts.Balances == nil ||
		opts.ClaimEvents == nil || opts.Progress == nil {
		return nil, errors.New("node: all stores are required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = claim.SystemClock{}
	}
	if opts.ChainID == 0 {
		opts.ChainID = DefaultChainID
	}
	if opts.FaucetAmount == 0 {
		opts.FaucetAmount = DefaultFaucetAmount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IndexRetryDelay <= 0 {
		opts.IndexRetryDelay = DefaultIndexRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	latest, err := opts.Transactions.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}

	n := &Node{
		opts:    opts,
		txs:     opts.Transactions,
		clock:   opts.Clock,
		logger:  opts.Logger,
		ledgers: make(map[domain.Address]*claim.Ledger),
		queue:   make(chan string, opts.QueueSize),
		waiters: make(map[string][]chan *domain.TransactionRecord),
		indexer: NewIndexer(opts.Balances, opts.ClaimEvents, opts.Progress, opts.Publisher, opts.Logger.Named("indexer")),
	}
	n.version.Store(latest)
	return n, nil
}

// Run executes queued transactions until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("executor started", zap.Uint64("version", n.version.Load()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hash := <-n.queue:
			observability.UpdatePending(int(n.pending.Add(-1)))
			n.execute(ctx, hash)
		}
	}
}

// ChainID returns the chain id transactions must carry.
func (n *Node) ChainID() uint8 { return n.opts.ChainID }

// Version returns the latest finalized ledger version.
func (n *Node) Version() uint64 { return n.version.Load() }

// LedgerTime returns the current ledger time in unix seconds.
func (n *Node) LedgerTime() int64 { return n.clock.Now().Unix() }

// Submit validates a signed transaction, records it as pending and queues it.
// It returns the transaction hash without waiting for execution.
func (n *Node) Submit(ctx context.Context, signed *txn.SignedTransaction) (string, error) {
	if signed == nil {
		return "", fmt.Errorf("%w: empty transaction", ErrRejected)
	}
	if err := signed.Verify(n.clock.Now()); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}
	raw := signed.Raw
	if raw.ChainID != n.opts.ChainID {
		return "", fmt.Errorf("%w: %w: got %d, want %d", ErrRejected, ErrChainIDMismatch, raw.ChainID, n.opts.ChainID)
	}
	fn, err := raw.Payload.EntryFunction()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	hash, err := signed.Hash()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	// A resend of an accepted transaction is answered with its hash.
	switch _, err := n.txs.GetByHash(ctx, hash); {
	case err == nil:
		n.logger.Debug("transaction already accepted", zap.String("hash", hash))
		return hash, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("%w: lookup %s: %w", claim.ErrLedgerUnavailable, hash, err)
	}

	if err := n.record(ctx, hash, raw, fn); err != nil {
		return "", err
	}
	if err := n.enqueue(ctx, hash); err != nil {
		return "", err
	}

	n.logger.Debug("transaction submitted",
		zap.String("hash", hash),
		zap.String("sender", raw.Sender.Short()),
		zap.String("function", fn.Name),
	)
	return hash, nil
}

// Fund credits amount of native coin to account through a faucet transaction.
// A zero amount uses the configured faucet amount.
func (n *Node) Fund(ctx context.Context, account domain.Address, amount uint64) (string, error) {
	if account.IsZero() {
		return "", fmt.Errorf("%w: zero address", ErrRejected)
	}
	if amount == 0 {
		amount = n.opts.FaucetAmount
	}

	fn := txn.EntryFunction{Address: FrameworkAddress, Module: FaucetModule, Name: FaucetFunction}
	payload, err := txn.NewPayload(fn, account, fmt.Sprintf("%d", amount))
	if err != nil {
		return "", err
	}

	// Faucet transactions share one sender, so nonce allocation must not interleave.
	n.faucetMu.Lock()
	defer n.faucetMu.Unlock()

	nonce, err := n.txs.NextNonce(ctx, FrameworkAddress)
	if err != nil {
		return "", fmt.Errorf("%w: next faucet nonce: %w", claim.ErrLedgerUnavailable, err)
	}
	raw := txn.RawTransaction{
		Sender:         FrameworkAddress,
		SequenceNumber: nonce,
		Payload:        payload,
		ChainID:        n.opts.ChainID,
	}
	hash, err := raw.Hash()
	if err != nil {
		return "", err
	}
	if err := n.record(ctx, hash, raw, fn); err != nil {
		return "", err
	}
	if err := n.enqueue(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// record inserts a pending transaction after checking its sequence number.
func (n *Node) record(ctx context.Context, hash string, raw txn.RawTransaction, fn txn.EntryFunction) error {
	next, err := n.txs.NextNonce(ctx, raw.Sender)
	if err != nil {
		return fmt.Errorf("%w: next nonce: %w", claim.ErrLedgerUnavailable, err)
	}
	if raw.SequenceNumber != next {
		return fmt.Errorf("%w: %w: got %d, want %d", ErrRejected, ErrSequenceMismatch, raw.SequenceNumber, next)
	}

	payload, err := json.Marshal(raw.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	rec := &domain.TransactionRecord{
		Hash:        hash,
		Sender:      raw.Sender,
		Function:    fn.String(),
		Payload:     payload,
		Nonce:       raw.SequenceNumber,
		Status:      domain.TxStatusPending,
		SubmittedAt: time.Now().UnixMilli(),
	}
	if err := n.txs.Insert(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("%w: %w: %s", ErrRejected, ErrSequenceMismatch, hash)
		}
		return fmt.Errorf("%w: insert transaction: %w", claim.ErrLedgerUnavailable, err)
	}
	return nil
}

func (n *Node) enqueue(ctx context.Context, hash string) error {
	select {
	case n.queue <- hash:
		observability.UpdatePending(int(n.pending.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transaction returns a transaction by hash. Returns storage.ErrNotFound if unknown.
func (n *Node) Transaction(ctx context.Context, hash string) (*domain.TransactionRecord, error) {
	return n.txs.GetByHash(ctx, hash)
}

// Sequence returns the next sequence number of account.
func (n *Node) Sequence(ctx context.Context, account domain.Address) (uint64, error) {
	return n.txs.NextNonce(ctx, account)
}

// Subscribe returns a channel that receives the transaction once it is
// finalized, immediately if it already is. cancel releases the subscription.
// Returns storage.ErrNotFound for an unknown hash.
func (n *Node) Subscribe(ctx context.Context, hash string) (<-chan *domain.TransactionRecord, func(), error) {
	ch := make(chan *domain.TransactionRecord, 1)

	n.waitersMu.Lock()
	n.waiters[hash] = append(n.waiters[hash], ch)
	n.waitersMu.Unlock()

	cancel := func() { n.unsubscribe(hash, ch) }

	rec, err := n.txs.GetByHash(ctx, hash)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if rec.Status.IsFinal() {
		cancel()
		ch <- rec
	}
	return ch, cancel, nil
}

func (n *Node) unsubscribe(hash string, ch chan *domain.TransactionRecord) {
	n.waitersMu.Lock()
	defer n.waitersMu.Unlock()

	list := n.waiters[hash]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(n.waiters, hash)
	} else {
		n.waiters[hash] = list
	}
}

func (n *Node) notify(rec *domain.TransactionRecord) {
	n.waitersMu.Lock()
	list := n.waiters[rec.Hash]
	delete(n.waiters, rec.Hash)
	n.waitersMu.Unlock()

	for _, ch := range list {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Ledger returns the claim ledger of owner, creating the handle on first use.
func (n *Node) Ledger(owner domain.Address) (*claim.Ledger, error) {
	n.ledgersMu.Lock()
	defer n.ledgersMu.Unlock()

	if l, ok := n.ledgers[owner]; ok {
		return l, nil
	}
	l, err := claim.New(owner, claim.Options{
		Store:       n.opts.LedgerStore,
		Clock:       n.clock,
		ClaimAmount: n.opts.ClaimAmount,
		Asset:       n.opts.Asset,
		Logger:      n.logger.Named("ledger"),
	})
	if err != nil {
		return nil, err
	}
	n.ledgers[owner] = l
	return l, nil
}

// View calls a read-only ledger function. Supported: get_metadata, which
// returns the asset handle as {"inner": address}, and claim_state(account).
func (n *Node) View(ctx context.Context, function string, args []json.RawMessage) ([]json.RawMessage, error) {
	fn, err := txn.ParseEntryFunction(function)
	if err != nil {
		return nil, err
	}
	if fn.Module != claim.ModuleName {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, function)
	}
	l, err := n.Ledger(fn.Address)
	if err != nil {
		return nil, err
	}

	var result any
	switch fn.Name {
	case txn.FnGetMetadata:
		meta, err := l.GetMetadata(ctx)
		if err != nil {
			return nil, err
		}
		result = map[string]domain.Address{"inner": meta.Handle}
	case "claim_state":
		var account domain.Address
		if len(args) != 1 || json.Unmarshal(args[0], &account) != nil {
			return nil, &invalidParams{msg: "claim_state takes one address"}
		}
		state, err := l.State(ctx, account)
		if err != nil {
			return nil, err
		}
		result = state
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, function)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{raw}, nil
}

// Balance returns the indexed balance of owner for asset, zero if absent.
func (n *Node) Balance(ctx context.Context, owner, asset domain.Address) (*domain.Balance, error) {
	b, err := n.opts.Balances.Get(ctx, owner, asset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &domain.Balance{Owner: owner, Asset: asset}, nil
		}
		return nil, fmt.Errorf("%w: balance index: %w", claim.ErrLedgerUnavailable, err)
	}
	return b, nil
}

// ClaimOutcomes returns claim attempt counts of a ledger grouped by outcome.
func (n *Node) ClaimOutcomes(ctx context.Context, ledger domain.Address) (map[string]int, error) {
	return n.opts.ClaimEvents.CountByOutcome(ctx, ledger)
}

// VMStatus renders err the way a failed transaction or view reports it.
func VMStatus(fn txn.EntryFunction, err error) string {
	var le *linkError
	if errors.As(err, &le) {
		return StatusLinkerError
	}

	moduleID := fn.Address.String() + "::" + fn.Module
	var f *claim.Failure
	if errors.As(err, &f) {
		return f.VMStatus(moduleID)
	}
	return (&claim.Failure{Reason: claim.ReasonOf(err), Detail: err.Error()}).VMStatus(moduleID)
}

// linkError reports an entry function that does not exist.
type linkError struct {
	function string
}

func (e *linkError) Error() string {
	return "function not found: " + e.function
}
