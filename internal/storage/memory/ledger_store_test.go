package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

var (
	testLedger  = domain.MustParseAddress("0xa11ce")
	testAccount = domain.MustParseAddress("0xb0b")
	testAsset   = domain.AssetHandle(testLedger, "CBL")
)

func TestLedgerStore_UpdateCommits(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertMetadata(ctx, &domain.AssetMetadata{
			Handle:   testAsset,
			Ledger:   testLedger,
			Symbol:   "CBL",
			Decimals: 8,
		}); err != nil {
			return err
		}
		_, err := tx.Credit(ctx, testAccount, testAsset, 500)
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = store.View(ctx, func(r storage.LedgerReader) error {
		m, err := r.GetMetadata(ctx, testLedger)
		if err != nil {
			return err
		}
		if m.Handle != testAsset {
			t.Errorf("Handle mismatch: got %s, want %s", m.Handle, testAsset)
		}

		bal, err := r.GetBalance(ctx, testAccount, testAsset)
		if err != nil {
			return err
		}
		if bal != 500 {
			t.Errorf("Balance mismatch: got %d, want 500", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestLedgerStore_UpdateRollsBackOnError(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		if _, err := tx.Credit(ctx, testAccount, testAsset, 100); err != nil {
			return err
		}
		if err := tx.InsertClaimRecord(ctx, &domain.ClaimRecord{
			Ledger:  testLedger,
			Account: testAccount,
			Amount:  100,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	_ = store.View(ctx, func(r storage.LedgerReader) error {
		bal, _ := r.GetBalance(ctx, testAccount, testAsset)
		if bal != 0 {
			t.Errorf("Balance should be rolled back, got %d", bal)
		}
		if _, err := r.GetClaimRecord(ctx, testLedger, testAccount); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for rolled back claim, got %v", err)
		}
		return nil
	})
}

func TestLedgerStore_ReadYourWrites(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		if _, err := tx.Credit(ctx, testAccount, testAsset, 10); err != nil {
			return err
		}
		bal, err := tx.Credit(ctx, testAccount, testAsset, 5)
		if err != nil {
			return err
		}
		if bal != 15 {
			t.Errorf("Expected staged balance 15, got %d", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestLedgerStore_DuplicateClaimRecord(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	rec := &domain.ClaimRecord{Ledger: testLedger, Account: testAccount, Amount: 1}

	if err := store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.InsertClaimRecord(ctx, rec)
	}); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.InsertClaimRecord(ctx, rec)
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestLedgerStore_UpsertAllowlistPreservesAddedAt(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	first := &domain.AllowlistEntry{
		Ledger:    testLedger,
		Account:   testAccount,
		Window:    domain.ClaimWindow{Start: 100, End: 110},
		AddedAt:   100,
		UpdatedAt: 100,
	}
	second := &domain.AllowlistEntry{
		Ledger:    testLedger,
		Account:   testAccount,
		Window:    domain.ClaimWindow{Start: 200, End: 300},
		AddedAt:   150,
		UpdatedAt: 150,
	}

	for _, e := range []*domain.AllowlistEntry{first, second} {
		if err := store.Update(ctx, func(tx storage.LedgerTx) error {
			return tx.UpsertAllowlistEntry(ctx, e)
		}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	_ = store.View(ctx, func(r storage.LedgerReader) error {
		got, err := r.GetAllowlistEntry(ctx, testLedger, testAccount)
		if err != nil {
			t.Fatalf("GetAllowlistEntry failed: %v", err)
		}
		if got.Window != second.Window {
			t.Errorf("Window mismatch: got %+v, want %+v", got.Window, second.Window)
		}
		if got.AddedAt != 100 {
			t.Errorf("AddedAt should be preserved: got %d, want 100", got.AddedAt)
		}
		if got.UpdatedAt != 150 {
			t.Errorf("UpdatedAt mismatch: got %d, want 150", got.UpdatedAt)
		}

		list, err := r.ListAllowlist(ctx, testLedger)
		if err != nil {
			t.Fatalf("ListAllowlist failed: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("Expected 1 entry, got %d", len(list))
		}
		return nil
	})
}

func TestLedgerStore_CreditOverflow(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		if _, err := tx.Credit(ctx, testAccount, testAsset, ^uint64(0)); err != nil {
			return err
		}
		_, err := tx.Credit(ctx, testAccount, testAsset, 1)
		return err
	})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestLedgerStore_ConcurrentInsertClaimRecord(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Update(ctx, func(tx storage.LedgerTx) error {
				return tx.InsertClaimRecord(ctx, &domain.ClaimRecord{
					Ledger:  testLedger,
					Account: testAccount,
					Amount:  1,
				})
			})
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrDuplicateKey):
			dup++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != workers-1 {
		t.Errorf("Expected 1 success and %d duplicates, got %d and %d", workers-1, ok, dup)
	}
}

func TestLedgerStore_ListLedgers(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	other := domain.MustParseAddress("0xc0ffee")
	metas := []*domain.AssetMetadata{
		{Ledger: other, Handle: domain.AssetHandle(other, "X"), CreatedAt: 20},
		{Ledger: testLedger, Handle: testAsset, CreatedAt: 10},
	}
	for _, m := range metas {
		if err := store.Update(ctx, func(tx storage.LedgerTx) error {
			return tx.InsertMetadata(ctx, m)
		}); err != nil {
			t.Fatalf("InsertMetadata failed: %v", err)
		}
	}

	_ = store.View(ctx, func(r storage.LedgerReader) error {
		owners, err := r.ListLedgers(ctx)
		if err != nil {
			t.Fatalf("ListLedgers failed: %v", err)
		}
		if len(owners) != 2 || owners[0] != testLedger || owners[1] != other {
			t.Errorf("Unexpected ledger order: %v", owners)
		}
		return nil
	})
}
