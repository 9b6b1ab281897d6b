package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/paywallet/internal/model"
)

func TestMemoryDecrementBalance_Conditional(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.DecrementBalance(ctx, "owner-1", model.WalletKindMain, 100)
	assert.True(t, errors.Is(err, ErrInsufficientBalance), "missing wallet must behave as zero balance")

	w, err := repo.IncrementBalance(ctx, "owner-1", model.WalletKindMain, "NGN", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance)

	w, err = repo.DecrementBalance(ctx, "owner-1", model.WalletKindMain, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), w.Balance)

	_, err = repo.DecrementBalance(ctx, "owner-1", model.WalletKindMain, 800)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	got, err := repo.GetOrCreateWallet(ctx, "owner-1", model.WalletKindMain, "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)
}

func TestMemoryCreateTransaction_DuplicateReference(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tx := &model.Transaction{OwnerID: "owner-1", Reference: "TXN-1", Amount: 500, Type: model.TransactionTypeDeposit}
	require.NoError(t, repo.CreateTransaction(ctx, tx))
	assert.Equal(t, model.TransactionStatusPending, tx.Status)

	dup := &model.Transaction{OwnerID: "owner-2", Reference: "TXN-1", Amount: 10, Type: model.TransactionTypeDeposit}
	err := repo.CreateTransaction(ctx, dup)
	assert.True(t, errors.Is(err, ErrDuplicateReference))
}

func TestMemoryTransitionTransaction_Conditional(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tx := &model.Transaction{OwnerID: "owner-1", Reference: "TXN-2", Amount: 500, Type: model.TransactionTypeDeposit}
	require.NoError(t, repo.CreateTransaction(ctx, tx))

	got, err := repo.TransitionTransaction(ctx, model.Transition{
		ID: tx.ID, From: model.TransactionStatusPending, To: model.TransactionStatusSuccess, ProviderReference: "PR-2",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusSuccess, got.Status)
	assert.Equal(t, "PR-2", got.ProviderReference)
	require.NotNil(t, got.ResolvedAt)

	_, err = repo.TransitionTransaction(ctx, model.Transition{
		ID: tx.ID, From: model.TransactionStatusPending, To: model.TransactionStatusFailed,
	})
	assert.True(t, errors.Is(err, ErrStatusConflict))

	_, err = repo.TransitionTransaction(ctx, model.Transition{ID: 999, From: model.TransactionStatusPending})
	assert.True(t, errors.Is(err, ErrTransactionNotFound))
}

func TestMemoryListPendingTransactions_RespectsGrace(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	require.NoError(t, repo.CreateTransaction(ctx, &model.Transaction{OwnerID: "o", Reference: "old", Amount: 1, Type: model.TransactionTypeDeposit}))

	now = now.Add(time.Minute)
	require.NoError(t, repo.CreateTransaction(ctx, &model.Transaction{OwnerID: "o", Reference: "fresh", Amount: 1, Type: model.TransactionTypeDeposit}))

	pending, err := repo.ListPendingTransactions(ctx, now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].Reference)
}

func TestMemoryListOutstandingEffects(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	deposit := &model.Transaction{OwnerID: "o", Reference: "dep", Amount: 5, Type: model.TransactionTypeDeposit}
	require.NoError(t, repo.CreateTransaction(ctx, deposit))
	withdrawal := &model.Transaction{OwnerID: "o", Reference: "wd", Amount: 5, Type: model.TransactionTypeWithdrawal}
	require.NoError(t, repo.CreateTransaction(ctx, withdrawal))
	require.NoError(t, repo.SetEffectApplied(ctx, withdrawal.ID, true))

	outstanding, err := repo.ListOutstandingEffects(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, outstanding, "pending transactions are not outstanding")

	_, err = repo.TransitionTransaction(ctx, model.Transition{ID: deposit.ID, From: model.TransactionStatusPending, To: model.TransactionStatusSuccess})
	require.NoError(t, err)
	_, err = repo.TransitionTransaction(ctx, model.Transition{ID: withdrawal.ID, From: model.TransactionStatusPending, To: model.TransactionStatusFailed})
	require.NoError(t, err)

	outstanding, err = repo.ListOutstandingEffects(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outstanding, 2)
	assert.Equal(t, "dep", outstanding[0].Reference)
	assert.Equal(t, "wd", outstanding[1].Reference)

	require.NoError(t, repo.SetEffectApplied(ctx, deposit.ID, true))
	require.NoError(t, repo.SetEffectApplied(ctx, withdrawal.ID, false))

	outstanding, err = repo.ListOutstandingEffects(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestMemoryListLedgerEntries_NewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, repo.AppendLedgerEntry(ctx, &model.LedgerEntry{WalletID: 7, Amount: i, Type: model.EntryTypeCredit}))
	}
	require.NoError(t, repo.AppendLedgerEntry(ctx, &model.LedgerEntry{WalletID: 8, Amount: 100, Type: model.EntryTypeCredit}))

	entries, err := repo.ListLedgerEntries(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Amount)
	assert.Equal(t, int64(2), entries[1].Amount)
}
