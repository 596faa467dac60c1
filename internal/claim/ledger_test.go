package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
	"cabalcoin-lab/internal/storage/memory"
)

var (
	alice   = domain.MustParseAddress("0xa11ce")
	bob     = domain.MustParseAddress("0xb0b")
	charlie = domain.MustParseAddress("0xc4a5")
	daniel  = domain.MustParseAddress("0xda")
)

const t0 = int64(1_700_000_000)

type fixture struct {
	ctx    context.Context
	ledger *Ledger
	clock  *ManualClock
	store  *memory.LedgerStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewLedgerStore()
	clock := NewManualClock(time.Unix(t0, 0))
	ledger, err := New(alice, Options{Store: store, Clock: clock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := ledger.Initialize(context.Background(), alice); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return &fixture{ctx: context.Background(), ledger: ledger, clock: clock, store: store}
}

func (f *fixture) list(t *testing.T, window domain.ClaimWindow, accounts ...domain.Address) {
	t.Helper()
	if _, err := f.ledger.AddToAllowlist(f.ctx, alice, accounts, window); err != nil {
		t.Fatalf("AddToAllowlist failed: %v", err)
	}
}

func (f *fixture) state(t *testing.T, a domain.Address) domain.ClaimState {
	t.Helper()
	s, err := f.ledger.State(f.ctx, a)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	return s
}

func (f *fixture) balance(t *testing.T, a domain.Address) uint64 {
	t.Helper()
	b, err := f.ledger.Balance(f.ctx, a)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

// Walks the narrated story: Bob claims once, Daniel is not listed,
// Charles arrives after the window closed.
func TestLedger_Story(t *testing.T) {
	f := newFixture(t)
	window := domain.ClaimWindow{Start: t0, End: t0 + 10}
	f.list(t, window, bob, charlie)

	receipt, err := f.ledger.Claim(f.ctx, bob)
	if err != nil {
		t.Fatalf("Bob's claim failed: %v", err)
	}
	if receipt.Claim.Amount != DefaultClaimAmount {
		t.Errorf("Claim amount mismatch: got %d, want %d", receipt.Claim.Amount, DefaultClaimAmount)
	}
	if got := f.balance(t, bob); got != DefaultClaimAmount {
		t.Errorf("Bob balance mismatch: got %d, want %d", got, DefaultClaimAmount)
	}

	_, err = f.ledger.Claim(f.ctx, bob)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}
	if got := f.balance(t, bob); got != DefaultClaimAmount {
		t.Errorf("Second claim must not credit: got %d", got)
	}

	_, err = f.ledger.Claim(f.ctx, daniel)
	if !errors.Is(err, ErrNotAllowlisted) {
		t.Errorf("Expected ErrNotAllowlisted, got %v", err)
	}

	f.clock.Advance(15 * time.Second)
	_, err = f.ledger.Claim(f.ctx, charlie)
	if !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("Expected ErrWindowNotOpen, got %v", err)
	}

	if got := f.balance(t, charlie); got != 0 {
		t.Errorf("Charlie balance should be 0, got %d", got)
	}
	if got := f.balance(t, daniel); got != 0 {
		t.Errorf("Daniel balance should be 0, got %d", got)
	}
	if s := f.state(t, charlie); s != domain.ClaimStateListed {
		t.Errorf("Charlie should stay LISTED, got %s", s)
	}
}

func TestLedger_WindowBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		offset  int64
		wantErr error
	}{
		{"before start", -1, ErrWindowNotOpen},
		{"at start", 0, nil},
		{"inside", 5, nil},
		{"last second", 9, nil},
		{"at end", 10, ErrWindowNotOpen},
		{"after end", 15, ErrWindowNotOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.list(t, domain.ClaimWindow{Start: t0 + 100, End: t0 + 110}, bob)
			f.clock.Set(time.Unix(t0+100+tt.offset, 0))

			_, err := f.ledger.Claim(f.ctx, bob)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLedger_CheckOrder(t *testing.T) {
	f := newFixture(t)
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)

	if _, err := f.ledger.Claim(f.ctx, bob); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Claimed and outside the window: the claimed flag is reported first.
	f.clock.Advance(time.Hour)
	_, err := f.ledger.Claim(f.ctx, bob)
	if ReasonOf(err) != ReasonAlreadyClaimed {
		t.Errorf("Expected ALREADY_CLAIMED, got %s", ReasonOf(err))
	}

	// Unlisted and outside the window: membership is reported first.
	_, err = f.ledger.Claim(f.ctx, daniel)
	if ReasonOf(err) != ReasonNotAllowlisted {
		t.Errorf("Expected NOT_ALLOWLISTED, got %s", ReasonOf(err))
	}
}

func TestLedger_AddToAllowlistRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.AddToAllowlist(f.ctx, bob, []domain.Address{bob}, domain.ClaimWindow{Start: t0, End: t0 + 10})
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("Expected ErrAuthorization, got %v", err)
	}

	if s := f.state(t, bob); s != domain.ClaimStateUnlisted {
		t.Errorf("Allowlist must be unchanged, bob is %s", s)
	}
	entries, _ := f.ledger.Allowlist(f.ctx)
	if len(entries) != 0 {
		t.Errorf("Expected empty allowlist, got %d entries", len(entries))
	}
}

func TestLedger_AddToAllowlistValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.AddToAllowlist(f.ctx, alice, nil, domain.ClaimWindow{Start: t0, End: t0 + 10})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty list, got %v", err)
	}

	_, err = f.ledger.AddToAllowlist(f.ctx, alice, []domain.Address{bob}, domain.ClaimWindow{Start: t0, End: t0})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow for empty window, got %v", err)
	}

	_, err = f.ledger.AddToAllowlist(f.ctx, alice, []domain.Address{bob}, domain.ClaimWindow{Start: t0 + 10, End: t0})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow for inverted window, got %v", err)
	}
}

func TestLedger_AddToAllowlistDeduplicates(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.ledger.AddToAllowlist(f.ctx, alice, []domain.Address{bob, charlie, bob}, domain.ClaimWindow{Start: t0, End: t0 + 10})
	if err != nil {
		t.Fatalf("AddToAllowlist failed: %v", err)
	}
	if len(receipt.Listed) != 2 || len(receipt.Events) != 2 {
		t.Errorf("Expected 2 listed accounts and events, got %d and %d", len(receipt.Listed), len(receipt.Events))
	}
}

func TestLedger_RelistReplacesWindow(t *testing.T) {
	f := newFixture(t)
	f.list(t, domain.ClaimWindow{Start: t0 + 100, End: t0 + 110}, bob)
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)

	if _, err := f.ledger.Claim(f.ctx, bob); err != nil {
		t.Fatalf("Claim under the replaced window failed: %v", err)
	}
}

func TestLedger_RelistClaimedStaysClaimed(t *testing.T) {
	f := newFixture(t)
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)

	if _, err := f.ledger.Claim(f.ctx, bob); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 1000}, bob)
	if s := f.state(t, bob); s != domain.ClaimStateClaimed {
		t.Errorf("Expected CLAIMED after relist, got %s", s)
	}

	_, err := f.ledger.Claim(f.ctx, bob)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed after relist, got %v", err)
	}
	if got := f.balance(t, bob); got != DefaultClaimAmount {
		t.Errorf("Balance must be credited once, got %d", got)
	}
}

func TestLedger_StateTransitions(t *testing.T) {
	f := newFixture(t)

	if s := f.state(t, bob); s != domain.ClaimStateUnlisted {
		t.Errorf("Expected UNLISTED, got %s", s)
	}
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)
	if s := f.state(t, bob); s != domain.ClaimStateListed {
		t.Errorf("Expected LISTED, got %s", s)
	}
	if _, err := f.ledger.Claim(f.ctx, bob); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if s := f.state(t, bob); s != domain.ClaimStateClaimed {
		t.Errorf("Expected CLAIMED, got %s", s)
	}
}

func TestLedger_ConcurrentClaimsOneSucceeds(t *testing.T) {
	f := newFixture(t)
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Claim(f.ctx, bob)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyClaimed):
			already++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if ok != 1 || already != workers-1 {
		t.Errorf("Expected 1 success and %d ALREADY_CLAIMED, got %d and %d", workers-1, ok, already)
	}
	if got := f.balance(t, bob); got != DefaultClaimAmount {
		t.Errorf("Balance mismatch: got %d, want %d", got, DefaultClaimAmount)
	}
}

func TestLedger_TotalClaimedBounded(t *testing.T) {
	f := newFixture(t)
	listed := []domain.Address{bob, charlie}
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, listed...)

	for _, a := range []domain.Address{bob, bob, charlie, daniel, charlie} {
		_, _ = f.ledger.Claim(f.ctx, a)
	}

	var total uint64
	for _, a := range []domain.Address{bob, charlie, daniel} {
		total += f.balance(t, a)
	}
	if bound := f.ledger.ClaimAmount() * uint64(len(listed)); total > bound {
		t.Errorf("Total claimed %d exceeds %d", total, bound)
	}
}

func TestLedger_NotInitialized(t *testing.T) {
	ledger, err := New(alice, Options{Store: memory.NewLedgerStore()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.GetMetadata(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetMetadata: expected ErrNotInitialized, got %v", err)
	}
	if _, err := ledger.Claim(ctx, bob); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Claim: expected ErrNotInitialized, got %v", err)
	}
	_, err = ledger.AddToAllowlist(ctx, alice, []domain.Address{bob}, domain.ClaimWindow{Start: 1, End: 2})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AddToAllowlist: expected ErrNotInitialized, got %v", err)
	}
}

func TestLedger_Initialize(t *testing.T) {
	f := newFixture(t)

	meta, err := f.ledger.GetMetadata(f.ctx)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.Handle != domain.AssetHandle(alice, "CBL") {
		t.Errorf("Handle mismatch: got %s", meta.Handle)
	}
	if meta.Decimals != 8 {
		t.Errorf("Decimals mismatch: got %d", meta.Decimals)
	}

	if _, err := f.ledger.Initialize(f.ctx, alice); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}

	other, _ := New(bob, Options{Store: f.store})
	if _, err := other.Initialize(f.ctx, alice); !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected ErrAuthorization publishing another owner's ledger, got %v", err)
	}
}

func TestLedger_GetMetadataIsPure(t *testing.T) {
	f := newFixture(t)
	f.list(t, domain.ClaimWindow{Start: t0, End: t0 + 10}, bob)

	first, _ := f.ledger.GetMetadata(f.ctx)
	second, _ := f.ledger.GetMetadata(f.ctx)
	if *first != *second {
		t.Errorf("GetMetadata should be stable: %+v vs %+v", first, second)
	}
	if s := f.state(t, bob); s != domain.ClaimStateListed {
		t.Errorf("GetMetadata must not change state, bob is %s", s)
	}
}

type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Update(context.Context, func(storage.LedgerTx) error) error { return errDown }
func (failingStore) View(context.Context, func(storage.LedgerReader) error) error { return errDown }

func TestLedger_StoreFailureIsLedgerUnavailable(t *testing.T) {
	ledger, err := New(alice, Options{Store: failingStore{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = ledger.Claim(context.Background(), bob)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("Expected cause to be preserved, got %v", err)
	}
}
