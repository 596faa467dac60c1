package memory

import (
	"context"
	"errors"
	"testing"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

func TestTransactionStore_InsertAndFinalize(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	tx := &domain.TransactionRecord{
		Hash:        "0x01",
		Sender:      testAccount,
		Function:    "0x1::cabalcoin::claim",
		Nonce:       0,
		Status:      domain.TxStatusPending,
		SubmittedAt: 1700000000000,
	}
	if err := store.Insert(ctx, tx); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	finalizedAt := int64(1700000000500)
	err := store.Finalize(ctx, &domain.TransactionRecord{
		Hash:        "0x01",
		Status:      domain.TxStatusFailed,
		VMStatus:    "Move abort",
		Version:     7,
		FinalizedAt: &finalizedAt,
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, err := store.GetByHash(ctx, "0x01")
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	if got.Status != domain.TxStatusFailed || got.VMStatus != "Move abort" || got.Version != 7 {
		t.Errorf("Unexpected finalized record: %+v", got)
	}
	if got.Function != tx.Function {
		t.Errorf("Function should be preserved: got %s", got.Function)
	}

	latest, _ := store.LatestVersion(ctx)
	if latest != 7 {
		t.Errorf("LatestVersion mismatch: got %d, want 7", latest)
	}
}

func TestTransactionStore_DuplicateNonce(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, &domain.TransactionRecord{Hash: "0x01", Sender: testAccount, Nonce: 0}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err := store.Insert(ctx, &domain.TransactionRecord{Hash: "0x02", Sender: testAccount, Nonce: 0})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for reused nonce, got %v", err)
	}

	err = store.Insert(ctx, &domain.TransactionRecord{Hash: "0x01", Sender: testLedger, Nonce: 0})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for reused hash, got %v", err)
	}
}

func TestTransactionStore_NextNonceAndGetBySender(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	next, _ := store.NextNonce(ctx, testAccount)
	if next != 0 {
		t.Errorf("Expected 0 for new sender, got %d", next)
	}

	for i, hash := range []string{"0xb", "0xa", "0xc"} {
		nonce := uint64(2 - i)
		if err := store.Insert(ctx, &domain.TransactionRecord{Hash: hash, Sender: testAccount, Nonce: nonce}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	next, _ = store.NextNonce(ctx, testAccount)
	if next != 3 {
		t.Errorf("NextNonce mismatch: got %d, want 3", next)
	}

	txs, err := store.GetBySender(ctx, testAccount)
	if err != nil {
		t.Fatalf("GetBySender failed: %v", err)
	}
	for i, tx := range txs {
		if tx.Nonce != uint64(i) {
			t.Errorf("Expected nonce %d at position %d, got %d", i, i, tx.Nonce)
		}
	}
}

func TestTransactionStore_FinalizeUnknown(t *testing.T) {
	store := NewTransactionStore()

	err := store.Finalize(context.Background(), &domain.TransactionRecord{Hash: "0xdead"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
