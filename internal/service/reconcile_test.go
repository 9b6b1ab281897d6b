package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/provider"
)

func createPending(t *testing.T, f *fixture, in NewTransaction) *model.Transaction {
	t.Helper()
	tx, created, err := f.svc.CreateTransaction(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	return tx
}

func (f *fixture) status(t *testing.T, reference string) *model.Transaction {
	t.Helper()
	tx, err := f.svc.GetTransaction(context.Background(), reference)
	require.NoError(t, err)
	return tx
}

func TestReconcilePending_RespectsGracePeriod(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-G", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&f.provider.calls))
	assert.Equal(t, 0, f.status(t, "TXN-G").PollAttempts)
}

func TestReconcilePending_PendingAndErrorsRecordAttempts(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-P", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})
	f.clock.Advance(time.Minute)

	require.NoError(t, f.svc.ReconcilePending(context.Background()))
	assert.Equal(t, 1, f.status(t, "TXN-P").PollAttempts)

	f.provider.err = errors.New("connection refused")
	require.NoError(t, f.svc.ReconcilePending(context.Background()), "provider failure is not fatal for the tick")

	tx := f.status(t, "TXN-P")
	assert.Equal(t, model.TransactionStatusPending, tx.Status)
	assert.Equal(t, 2, tx.PollAttempts)
}

func TestReconcilePending_FailedOutcomeRefundsPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, "user-1", model.WalletKindMain, 500, "topup")
	require.NoError(t, err)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-F", Amount: 200, Type: model.TransactionTypePurchase, Provider: "vtpass"})
	assert.Equal(t, int64(300), f.balance(t, "user-1", model.WalletKindMain))

	f.provider.set(provider.Status{Reference: "TXN-F", Status: provider.OutcomeFailed})
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ReconcilePending(ctx))

	assert.Equal(t, model.TransactionStatusFailed, f.status(t, "TXN-F").Status)
	assert.Equal(t, int64(500), f.balance(t, "user-1", model.WalletKindMain))
	f.requireLedgerMatchesBalance(t, "user-1", model.WalletKindMain)
}

func TestReconcilePending_AmountMismatchStaysPending(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-M", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	f.provider.set(provider.Status{Reference: "TXN-M", Status: provider.OutcomeSuccess, Amount: 1000})
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	tx := f.status(t, "TXN-M")
	assert.Equal(t, model.TransactionStatusPending, tx.Status)
	assert.Equal(t, 1, tx.PollAttempts, "mismatch counts as a poll attempt")
	assert.Equal(t, int64(0), f.balance(t, "user-1", model.WalletKindMain))
}

func TestReconcilePending_AmountMismatchForceFailsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, WithReconcileConfig(cfg))
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-MM", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	f.provider.set(provider.Status{Reference: "TXN-MM", Status: provider.OutcomeSuccess, Amount: 1000})
	f.clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.ReconcilePending(context.Background()))
	}

	assert.Equal(t, model.TransactionStatusFailed, f.status(t, "TXN-MM").Status)
	assert.Equal(t, int64(0), f.balance(t, "user-1", model.WalletKindMain))
}

func TestReconcilePending_ForceFailsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, WithReconcileConfig(cfg))
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, "user-1", model.WalletKindMain, 100, "topup")
	require.NoError(t, err)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-S", Amount: 100, Type: model.TransactionTypeWithdrawal, Provider: "vtpass"})
	assert.Equal(t, int64(0), f.balance(t, "user-1", model.WalletKindMain))

	f.clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.ReconcilePending(ctx))
		assert.Equal(t, model.TransactionStatusPending, f.status(t, "TXN-S").Status)
	}

	require.NoError(t, f.svc.ReconcilePending(ctx))
	assert.Equal(t, model.TransactionStatusFailed, f.status(t, "TXN-S").Status)
	assert.Equal(t, int64(100), f.balance(t, "user-1", model.WalletKindMain), "force-failed withdrawal is refunded")
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.provider.calls), "provider is asked before the transaction is given up")
}

func TestReconcilePending_ForceFailsAfterMaxAge(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-A", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	assert.Equal(t, model.TransactionStatusFailed, f.status(t, "TXN-A").Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.calls))
	assert.Equal(t, int64(0), f.balance(t, "user-1", model.WalletKindMain))
}

func TestReconcilePending_ProviderOutcomeWinsOverMaxAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, "user-1", model.WalletKindMain, 1000, "topup")
	require.NoError(t, err)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-D", Amount: 300, Type: model.TransactionTypePurchase, Provider: "vtpass"})

	f.provider.set(provider.Status{Reference: "TXN-D", Status: provider.OutcomeSuccess, ProviderReference: "PR-D"})
	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.svc.ReconcilePending(ctx))

	tx := f.status(t, "TXN-D")
	assert.Equal(t, model.TransactionStatusSuccess, tx.Status, "delivered purchase is not force-failed")
	assert.Equal(t, "PR-D", tx.ProviderReference)
	assert.Equal(t, int64(700), f.balance(t, "user-1", model.WalletKindMain))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.calls))
}

func TestReconcilePending_ProviderErrorAfterMaxAgeForceFails(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-E", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	f.provider.err = errors.New("connection refused")
	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	assert.Equal(t, model.TransactionStatusFailed, f.status(t, "TXN-E").Status)
}

func TestReconcilePending_UnknownProviderRecordsAttempt(t *testing.T) {
	f := newFixture(t)
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-U", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "paystack"})

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	assert.Equal(t, 1, f.status(t, "TXN-U").PollAttempts)
}

func TestReconcilePending_SkipsLockedTransaction(t *testing.T) {
	locker := lock.NewMemoryLocker()
	f := newFixture(t, WithLocker(locker))
	createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: "TXN-L", Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})

	_, ok, err := locker.Acquire(context.Background(), lock.TransactionKey("TXN-L"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ReconcilePending(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&f.provider.calls))
	assert.Equal(t, 0, f.status(t, "TXN-L").PollAttempts)
}

func TestTickLockTTL_CoversFullBatch(t *testing.T) {
	cfg := DefaultReconcileConfig()
	assert.Equal(t, 15*time.Second+25*cfg.ProviderTimeout, cfg.tickLockTTL(15*time.Second))

	cfg.Batch, cfg.Parallelism = 10, 3
	assert.Equal(t, time.Second+4*cfg.ProviderTimeout, cfg.tickLockTTL(time.Second))

	cfg.Parallelism = 0
	assert.Equal(t, time.Second+10*cfg.ProviderTimeout, cfg.tickLockTTL(time.Second))
}

func TestReconciler_TickSettlesBatch(t *testing.T) {
	f := newFixture(t)
	for _, ref := range []string{"TXN-B1", "TXN-B2", "TXN-B3"} {
		createPending(t, f, NewTransaction{OwnerID: "user-1", Reference: ref, Amount: 100, Type: model.TransactionTypeDeposit, Provider: "vtpass"})
		f.provider.set(provider.Status{Reference: ref, Status: provider.OutcomeSuccess})
	}
	f.clock.Advance(time.Minute)

	require.True(t, f.svc.Reconciler(time.Second).TryTick(context.Background()))
	assert.Equal(t, int64(300), f.balance(t, "user-1", model.WalletKindMain))
	f.requireLedgerMatchesBalance(t, "user-1", model.WalletKindMain)
}
