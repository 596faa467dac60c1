package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/storage"
)

var (
	alice   = domain.MustParseAddress("0xa11ce")
	bob     = domain.MustParseAddress("0xb0b")
	charlie = domain.MustParseAddress("0xc4a5")
)

func TestLedgerStore_MetadataRoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	seedLedger(t, ctx, store, alice)

	err := store.View(ctx, func(r storage.LedgerReader) error {
		m, err := r.GetMetadata(ctx, alice)
		require.NoError(t, err)

		assert.Equal(t, alice, m.Ledger)
		assert.Equal(t, domain.AssetHandle(alice, "CBL"), m.Handle)
		assert.Equal(t, "CabalCoin", m.Name)
		assert.Equal(t, uint8(8), m.Decimals)

		owners, err := r.ListLedgers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.Address{alice}, owners)
		return nil
	})
	require.NoError(t, err)

	// Second publish is rejected
	err = store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.InsertMetadata(ctx, &domain.AssetMetadata{
			Ledger: alice,
			Handle: domain.AssetHandle(alice, "CBL"),
		})
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestLedgerStore_GetMetadataNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	err := store.View(ctx, func(r storage.LedgerReader) error {
		_, err := r.GetMetadata(ctx, alice)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_AllowlistUpsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	seedLedger(t, ctx, store, alice, bob, charlie)

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.UpsertAllowlistEntry(ctx, &domain.AllowlistEntry{
			Ledger:    alice,
			Account:   bob,
			Window:    domain.ClaimWindow{Start: 1800000000, End: 1800000060},
			AddedAt:   1800000000,
			UpdatedAt: 1800000000,
		})
	})
	require.NoError(t, err)

	err = store.View(ctx, func(r storage.LedgerReader) error {
		e, err := r.GetAllowlistEntry(ctx, alice, bob)
		require.NoError(t, err)
		assert.Equal(t, domain.ClaimWindow{Start: 1800000000, End: 1800000060}, e.Window)
		assert.Equal(t, int64(1700000000), e.AddedAt)
		assert.Equal(t, int64(1800000000), e.UpdatedAt)

		list, err := r.ListAllowlist(ctx, alice)
		require.NoError(t, err)
		assert.Len(t, list, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestLedgerStore_DegenerateWindowRejected(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	seedLedger(t, ctx, store, alice)

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.UpsertAllowlistEntry(ctx, &domain.AllowlistEntry{
			Ledger:  alice,
			Account: bob,
			Window:  domain.ClaimWindow{Start: 10, End: 10},
		})
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedgerStore_CreditAndRollback(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	asset := domain.AssetHandle(alice, "CBL")

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		bal, err := tx.Credit(ctx, bob, asset, 100)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), bal)

		bal, err = tx.Credit(ctx, bob, asset, 50)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), bal)
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Update(ctx, func(tx storage.LedgerTx) error {
		_, err := tx.Credit(ctx, bob, asset, 1000)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.View(ctx, func(r storage.LedgerReader) error {
		bal, err := r.GetBalance(ctx, bob, asset)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), bal)

		missing, err := r.GetBalance(ctx, charlie, asset)
		require.NoError(t, err)
		assert.Zero(t, missing)
		return nil
	})
	require.NoError(t, err)
}

// Concurrent claimers on one account: the row lock plus the primary key
// must let exactly one claim record through.
func TestLedgerStore_ConcurrentClaimRecord(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	seedLedger(t, ctx, store, alice, bob)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, func(tx storage.LedgerTx) error {
				if _, err := tx.GetAllowlistEntry(ctx, alice, bob); err != nil {
					return err
				}
				if _, err := tx.GetClaimRecord(ctx, alice, bob); err == nil {
					return storage.ErrDuplicateKey
				}
				return tx.InsertClaimRecord(ctx, &domain.ClaimRecord{
					Ledger:    alice,
					Account:   bob,
					Amount:    100,
					ClaimedAt: 1700000001,
				})
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrDuplicateKey):
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dups)
}
