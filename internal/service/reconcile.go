package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/poller"
	"github.com/mmeshcher/paywallet/internal/provider"
)

// ReconcileTickKey — ключ межузловой блокировки тика сверки.
const ReconcileTickKey = "reconcile_tick"

// Reconciler создаёт фоновый процесс сверки с периодом interval.
// Тики не перекрываются ни в одном процессе, ни между узлами.
func (s *Service) Reconciler(interval time.Duration) *poller.Runner {
	return poller.New(s.ReconcilePending, interval,
		poller.WithClusterLock(s.locker, ReconcileTickKey, s.reconcile.tickLockTTL(interval)),
		poller.WithLogger(s.logger.Named("reconciler")),
		poller.WithMetrics(s.metrics),
	)
}

// tickLockTTL покрывает самый долгий тик: все группы опросов пакета ждут провайдера полный таймаут.
func (c ReconcileConfig) tickLockTTL(interval time.Duration) time.Duration {
	parallelism := max(c.Parallelism, 1)
	rounds := (max(c.Batch, 1) + parallelism - 1) / parallelism
	return interval + time.Duration(rounds)*c.ProviderTimeout
}

// StartReconciliation запускает сверку и блокируется до отмены ctx.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) error {
	if len(s.providers) == 0 {
		s.logger.Warn("no provider clients configured, pending transactions will only expire")
	}
	return s.Reconciler(interval).Start(ctx)
}

// ReconcilePending выполняет один проход сверки: опрашивает провайдеров по ожидающим транзакциям
// и доводит влияние на кошелёк у завершённых транзакций, где оно не было применено.
func (s *Service) ReconcilePending(ctx context.Context) error {
	cfg := s.reconcile

	pending, err := s.repo.ListPendingTransactions(ctx, s.now().Add(-cfg.Grace), cfg.Batch)
	if err != nil {
		return fmt.Errorf("list pending transactions: %w", err)
	}
	if err := s.forEachTransaction(ctx, pending, s.reconcileOne); err != nil {
		return err
	}

	outstanding, err := s.repo.ListOutstandingEffects(ctx, cfg.Batch)
	if err != nil {
		return fmt.Errorf("list outstanding effects: %w", err)
	}
	return s.forEachTransaction(ctx, outstanding, s.reapplyOne)
}

func (s *Service) forEachTransaction(ctx context.Context, txs []model.Transaction, fn func(context.Context, *model.Transaction)) error {
	if len(txs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.reconcile.Parallelism, 1))
	for i := range txs {
		t := &txs[i]
		g.Go(func() error {
			fn(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) reconcileOne(ctx context.Context, t *model.Transaction) {
	err := s.withTransactionLock(ctx, t.Reference, func(ctx context.Context) error {
		s.poll(ctx, t)
		return nil
	})
	if err != nil && !errors.Is(err, ErrTransactionLocked) {
		s.logger.Warn("acquire transaction lock", zap.String("reference", t.Reference), zap.Error(err))
	}
}

// poll применяет итог, полученный от провайдера. Если итога нет, учитывается попытка опроса,
// а транзакция, исчерпавшая лимит опросов или возраст, завершается неудачей.
func (s *Service) poll(ctx context.Context, t *model.Transaction) {
	st, err := s.queryProvider(ctx, t)
	if err != nil && ctx.Err() != nil {
		return
	}

	if st != nil && st.Status != provider.OutcomePending {
		_, err := s.settle(context.WithoutCancel(ctx), t, st, "poller")
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrTransactionAlreadyFinalized):
			s.logger.Debug("transaction settled concurrently", zap.String("reference", t.Reference))
			return
		case errors.Is(err, ErrAmountMismatch):
		default:
			s.logger.Error("settle transaction", zap.String("reference", t.Reference), zap.Error(err))
			return
		}
	}

	if s.expired(t) {
		s.logger.Warn("force-failing stale pending transaction",
			zap.String("reference", t.Reference),
			zap.Int("poll_attempts", t.PollAttempts),
			zap.Time("created_at", t.CreatedAt),
		)
		if _, err := s.resolve(context.WithoutCancel(ctx), t.ID, model.TransactionStatusFailed, "", "expired"); err != nil &&
			!errors.Is(err, ErrTransactionAlreadyFinalized) {
			s.logger.Error("force-fail transaction", zap.String("reference", t.Reference), zap.Error(err))
		}
		return
	}

	s.recordAttempt(ctx, t)
}

func (s *Service) queryProvider(ctx context.Context, t *model.Transaction) (*provider.Status, error) {
	q, ok := s.providers[t.Provider]
	if !ok {
		s.logger.Warn("no client for provider", zap.String("provider", t.Provider), zap.String("reference", t.Reference))
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, t.Provider)
	}

	qctx, cancel := context.WithTimeout(ctx, s.reconcile.ProviderTimeout)
	defer cancel()

	st, err := q.QueryStatus(qctx, t.Reference)
	if err != nil {
		s.metrics.ObserveProviderError(q.Name())
		s.logger.Warn("query provider status",
			zap.String("provider", q.Name()),
			zap.String("reference", t.Reference),
			zap.Error(err),
		)
		return nil, err
	}
	return st, nil
}

// reapplyOne повторяет кредит или возврат, который не удалось применить при расчёте транзакции.
func (s *Service) reapplyOne(ctx context.Context, t *model.Transaction) {
	err := s.withTransactionLock(ctx, t.Reference, func(ctx context.Context) error {
		current, err := s.repo.GetTransactionByID(ctx, t.ID)
		if err != nil {
			return err
		}
		if !current.EffectOutstanding() {
			return nil
		}
		s.logger.Warn("re-applying outstanding wallet effect",
			zap.String("reference", current.Reference),
			zap.String("status", string(current.Status)),
			zap.Int64("amount", current.Amount),
		)
		return s.applySettlementEffect(context.WithoutCancel(ctx), current)
	})
	switch {
	case err == nil, errors.Is(err, ErrTransactionLocked), errors.Is(err, ErrLedgerWrite):
	default:
		s.logger.Error("re-apply wallet effect", zap.String("reference", t.Reference), zap.Error(err))
	}
}

// expired сообщает, что транзакция исчерпала число опросов или слишком долго ожидает итога.
func (s *Service) expired(t *model.Transaction) bool {
	cfg := s.reconcile
	if cfg.MaxAttempts > 0 && t.PollAttempts >= cfg.MaxAttempts {
		return true
	}
	return cfg.MaxAge > 0 && s.now().Sub(t.CreatedAt) > cfg.MaxAge
}

func (s *Service) recordAttempt(ctx context.Context, t *model.Transaction) {
	if _, err := s.repo.RecordPollAttempt(ctx, t.ID); err != nil {
		s.logger.Warn("record poll attempt", zap.String("reference", t.Reference), zap.Error(err))
	}
}
