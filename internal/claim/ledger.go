// Package claim implements the allowlist-gated claim ledger.
//
// A Ledger belongs to one owner address. The owner publishes the ledger
// (Initialize), which creates the fungible asset metadata, then lists
// accounts with a shared claim window (AddToAllowlist). A listed account may
// Claim exactly once while ledger time is inside [start, end). Every mutating
// operation runs as a single storage.LedgerStore update: it either applies
// all of its writes or none.
package claim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

// ModuleName is the name under which ledger entry points are addressed
// (<owner>::cabalcoin::<function>).
const ModuleName = "cabalcoin"

// DefaultClaimAmount is credited per successful claim: 100 tokens at 8 decimals.
const DefaultClaimAmount uint64 = 100 * 100_000_000

// AssetInfo describes the fungible asset created on Initialize.
type AssetInfo struct {
	Name       string `yaml:"name"`
	Symbol     string `yaml:"symbol"`
	Decimals   uint8  `yaml:"decimals"`
	IconURI    string `yaml:"icon_uri"`
	ProjectURI string `yaml:"project_uri"`
}

// DefaultAsset is the CabalCoin asset.
var DefaultAsset = AssetInfo{
	Name:       "CabalCoin",
	Symbol:     "CBL",
	Decimals:   domain.DefaultDecimals,
	IconURI:    "https://cabalcoin.example/icon.png",
	ProjectURI: "https://cabalcoin.example",
}

// Options configures a Ledger.
type Options struct {
	Store       storage.LedgerStore // required
	Clock       Clock               // defaults to SystemClock
	ClaimAmount uint64              // defaults to DefaultClaimAmount
	Asset       AssetInfo           // defaults to DefaultAsset
	Logger      *zap.Logger         // defaults to zap.NewNop()
}

// Ledger is the claim ledger of a single owner.
type Ledger struct {
	owner       domain.Address
	store       storage.LedgerStore
	clock       Clock
	claimAmount uint64
	asset       AssetInfo
	logger      *zap.Logger
}

// Receipt describes the effects of a successful mutating operation.
type Receipt struct {
	Events     []domain.LedgerEvent
	Metadata   *domain.AssetMetadata // set by Initialize
	Claim      *domain.ClaimRecord   // set by Claim
	Listed     []domain.Address      // set by AddToAllowlist, de-duplicated
	LedgerTime int64
}

// New creates a Ledger owned by owner.
func New(owner domain.Address, opts Options) (*Ledger, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: zero owner address", ErrInvalidArgument)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.ClaimAmount == 0 {
		opts.ClaimAmount = DefaultClaimAmount
	}
	if opts.Asset.Symbol == "" {
		opts.Asset = DefaultAsset
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Ledger{
		owner:       owner,
		store:       opts.Store,
		clock:       opts.Clock,
		claimAmount: opts.ClaimAmount,
		asset:       opts.Asset,
		logger:      opts.Logger.With(zap.String("ledger", owner.Short())),
	}, nil
}

// Owner returns the ledger owner (admin) address.
func (l *Ledger) Owner() domain.Address { return l.owner }

// ModuleID returns "<owner>::cabalcoin".
func (l *Ledger) ModuleID() string { return l.owner.String() + "::" + ModuleName }

// ClaimAmount returns the amount credited per claim.
func (l *Ledger) ClaimAmount() uint64 { return l.claimAmount }

// AssetHandle returns the handle of the ledger's asset.
func (l *Ledger) AssetHandle() domain.Address { return domain.AssetHandle(l.owner, l.asset.Symbol) }

// Now returns the current ledger time in unix seconds.
func (l *Ledger) Now() int64 { return l.clock.Now().Unix() }

// Initialize publishes the ledger and creates its asset metadata.
func (l *Ledger) Initialize(ctx context.Context, caller domain.Address) (*Receipt, error) {
	if caller != l.owner {
		return nil, fail(ReasonAuthorization, caller, "only %s can publish %s", l.owner.Short(), l.ModuleID())
	}

	now := l.Now()
	meta := &domain.AssetMetadata{
		Handle:     l.AssetHandle(),
		Ledger:     l.owner,
		Name:       l.asset.Name,
		Symbol:     l.asset.Symbol,
		Decimals:   l.asset.Decimals,
		IconURI:    l.asset.IconURI,
		ProjectURI: l.asset.ProjectURI,
		CreatedAt:  now,
	}

	err := l.store.Update(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertMetadata(ctx, meta); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fail(ReasonAlreadyInitialized, l.owner, "%s already published", l.ModuleID())
			}
			return unavailable("insert metadata", err)
		}
		return nil
	})
	if err != nil {
		return nil, l.classify(err)
	}

	l.logger.Info("ledger initialized",
		zap.String("asset", meta.Handle.String()),
		zap.String("symbol", meta.Symbol),
	)

	return &Receipt{
		Events: []domain.LedgerEvent{{
			Type:      domain.EventLedgerInitialized,
			Ledger:    l.owner,
			Asset:     meta.Handle,
			Timestamp: now,
		}},
		Metadata:   meta,
		LedgerTime: now,
	}, nil
}

// AddToAllowlist lists accounts with a shared claim window. Only the owner may call it.
// Re-listing replaces the window; an account that already claimed stays claimed.
func (l *Ledger) AddToAllowlist(ctx context.Context, caller domain.Address, accounts []domain.Address, window domain.ClaimWindow) (*Receipt, error) {
	if caller != l.owner {
		return nil, fail(ReasonAuthorization, caller, "%s is not the admin of %s", caller.Short(), l.ModuleID())
	}
	if len(accounts) == 0 {
		return nil, fail(ReasonInvalidArgument, domain.ZeroAddress, "empty allowlist")
	}
	if !window.Valid() {
		return nil, fail(ReasonInvalidWindow, domain.ZeroAddress, "claim_end %d must be after claim_start %d", window.End, window.Start)
	}

	listed := dedupe(accounts)
	for _, a := range listed {
		if a.IsZero() {
			return nil, fail(ReasonInvalidArgument, a, "zero address in allowlist")
		}
	}

	now := l.Now()
	events := make([]domain.LedgerEvent, 0, len(listed))

	err := l.store.Update(ctx, func(tx storage.LedgerTx) error {
		if err := l.requireInitialized(ctx, tx); err != nil {
			return err
		}
		for _, a := range listed {
			entry := &domain.AllowlistEntry{
				Ledger:    l.owner,
				Account:   a,
				Window:    window,
				AddedAt:   now,
				UpdatedAt: now,
			}
			if err := tx.UpsertAllowlistEntry(ctx, entry); err != nil {
				return unavailable("upsert allowlist entry", err)
			}
			w := window
			events = append(events, domain.LedgerEvent{
				Type:      domain.EventAllowlistUpdated,
				Ledger:    l.owner,
				Account:   a,
				Window:    &w,
				Timestamp: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, l.classify(err)
	}

	l.logger.Info("allowlist updated",
		zap.Int("accounts", len(listed)),
		zap.Int64("claim_start", window.Start),
		zap.Int64("claim_end", window.End),
	)

	return &Receipt{Events: events, Listed: listed, LedgerTime: now}, nil
}

// Claim credits the claim amount to claimant. Checks run in order:
// membership, prior claim, window. A rejected claim changes nothing.
func (l *Ledger) Claim(ctx context.Context, claimant domain.Address) (*Receipt, error) {
	now := l.Now()
	var (
		record  *domain.ClaimRecord
		balance uint64
		asset   domain.Address
	)

	err := l.store.Update(ctx, func(tx storage.LedgerTx) error {
		meta, err := l.metadata(ctx, tx)
		if err != nil {
			return err
		}
		asset = meta.Handle

		entry, err := tx.GetAllowlistEntry(ctx, l.owner, claimant)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fail(ReasonNotAllowlisted, claimant, "%s is not on the allowlist", claimant.Short())
			}
			return unavailable("get allowlist entry", err)
		}

		if _, err := tx.GetClaimRecord(ctx, l.owner, claimant); err == nil {
			return fail(ReasonAlreadyClaimed, claimant, "%s has already claimed", claimant.Short())
		} else if !errors.Is(err, storage.ErrNotFound) {
			return unavailable("get claim record", err)
		}

		if !entry.Window.Contains(now) {
			return fail(ReasonWindowNotOpen, claimant, "ledger time %d outside [%d, %d)", now, entry.Window.Start, entry.Window.End)
		}

		balance, err = tx.Credit(ctx, claimant, asset, l.claimAmount)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				return fail(ReasonInvalidArgument, claimant, "balance overflow")
			}
			return unavailable("credit balance", err)
		}

		record = &domain.ClaimRecord{
			Ledger:    l.owner,
			Account:   claimant,
			Amount:    l.claimAmount,
			ClaimedAt: now,
		}
		if err := tx.InsertClaimRecord(ctx, record); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fail(ReasonAlreadyClaimed, claimant, "%s has already claimed", claimant.Short())
			}
			return unavailable("insert claim record", err)
		}
		return nil
	})
	if err != nil {
		err = l.classify(err)
		l.logger.Debug("claim rejected",
			zap.String("account", claimant.Short()),
			zap.String("reason", ReasonOf(err).String()),
		)
		return nil, err
	}

	l.logger.Info("claim accepted",
		zap.String("account", claimant.Short()),
		zap.Uint64("amount", l.claimAmount),
	)

	return &Receipt{
		Events: []domain.LedgerEvent{
			{
				Type:      domain.EventClaimed,
				Ledger:    l.owner,
				Account:   claimant,
				Asset:     asset,
				Amount:    l.claimAmount,
				Timestamp: now,
			},
			{
				Type:      domain.EventDeposit,
				Ledger:    l.owner,
				Account:   claimant,
				Asset:     asset,
				Amount:    l.claimAmount,
				Balance:   balance,
				Timestamp: now,
			},
		},
		Claim:      record,
		LedgerTime: now,
	}, nil
}

// GetMetadata returns the asset metadata. Fails with NotInitialized before Initialize.
func (l *Ledger) GetMetadata(ctx context.Context) (*domain.AssetMetadata, error) {
	var meta *domain.AssetMetadata
	err := l.store.View(ctx, func(r storage.LedgerReader) error {
		var err error
		meta, err = l.metadata(ctx, r)
		return err
	})
	if err != nil {
		return nil, l.classify(err)
	}
	return meta, nil
}

// State returns the claim state of account.
func (l *Ledger) State(ctx context.Context, account domain.Address) (domain.ClaimState, error) {
	state := domain.ClaimStateUnlisted
	err := l.store.View(ctx, func(r storage.LedgerReader) error {
		if _, err := r.GetClaimRecord(ctx, l.owner, account); err == nil {
			state = domain.ClaimStateClaimed
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return unavailable("get claim record", err)
		}

		if _, err := r.GetAllowlistEntry(ctx, l.owner, account); err == nil {
			state = domain.ClaimStateListed
		} else if !errors.Is(err, storage.ErrNotFound) {
			return unavailable("get allowlist entry", err)
		}
		return nil
	})
	if err != nil {
		return "", l.classify(err)
	}
	return state, nil
}

// ClaimRecord returns the claim record of account. Returns storage.ErrNotFound if it has not claimed.
func (l *Ledger) ClaimRecord(ctx context.Context, account domain.Address) (*domain.ClaimRecord, error) {
	var rec *domain.ClaimRecord
	err := l.store.View(ctx, func(r storage.LedgerReader) error {
		var err error
		rec, err = r.GetClaimRecord(ctx, l.owner, account)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, l.classify(err)
	}
	return rec, nil
}

// Balance returns the ledger asset balance of account, 0 if it never received any.
func (l *Ledger) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	var bal uint64
	err := l.store.View(ctx, func(r storage.LedgerReader) error {
		var err error
		bal, err = r.GetBalance(ctx, account, l.AssetHandle())
		return err
	})
	if err != nil {
		return 0, l.classify(err)
	}
	return bal, nil
}

// Allowlist returns all allowlist entries, ordered by added_at.
func (l *Ledger) Allowlist(ctx context.Context) ([]*domain.AllowlistEntry, error) {
	var entries []*domain.AllowlistEntry
	err := l.store.View(ctx, func(r storage.LedgerReader) error {
		var err error
		entries, err = r.ListAllowlist(ctx, l.owner)
		return err
	})
	if err != nil {
		return nil, l.classify(err)
	}
	return entries, nil
}

func (l *Ledger) metadata(ctx context.Context, r storage.LedgerReader) (*domain.AssetMetadata, error) {
	meta, err := r.GetMetadata(ctx, l.owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fail(ReasonNotInitialized, l.owner, "%s has not been published", l.ModuleID())
		}
		return nil, unavailable("get metadata", err)
	}
	return meta, nil
}

func (l *Ledger) requireInitialized(ctx context.Context, r storage.LedgerReader) error {
	_, err := l.metadata(ctx, r)
	return err
}

// classify turns any non-Failure error from the store into LedgerUnavailable.
func (l *Ledger) classify(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	l.logger.Warn("ledger storage error", zap.Error(err))
	return unavailable("store", err)
}

func dedupe(accounts []domain.Address) []domain.Address {
	seen := make(map[domain.Address]struct{}, len(accounts))
	out := make([]domain.Address, 0, len(accounts))
	for _, a := range accounts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
