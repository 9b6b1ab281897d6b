package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/events"
	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/provider"
	"github.com/mmeshcher/paywallet/internal/repository"
)

const defaultTransactionLimit = 50

// NewTransaction описывает запрос на создание транзакции.
type NewTransaction struct {
	OwnerID      string
	WalletKind   model.WalletKind
	Counterparty string
	// Reference — ключ идемпотентности. Пустое значение заменяется сгенерированным TXN-<ULID>.
	Reference string
	Amount    int64
	Type      model.TransactionType
	Provider  string
	Remark    string
	Meta      model.Meta
}

// NewReference генерирует уникальный reference транзакции.
func NewReference() string {
	return "TXN-" + ulid.Make().String()
}

// CreateTransaction сохраняет транзакцию в состоянии pending. Для покупок и выводов средства
// списываются сразу; при нехватке средств транзакция переводится в failed.
// Повтор запроса тем же владельцем с тем же reference возвращает сохранённую транзакцию и created == false.
func (s *Service) CreateTransaction(ctx context.Context, in NewTransaction) (*model.Transaction, bool, error) {
	if in.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if _, err := model.ParseTransactionType(string(in.Type)); err != nil {
		return nil, false, err
	}
	if err := model.CheckMeta(in.Type, in.Meta); err != nil {
		return nil, false, err
	}
	if in.WalletKind == "" {
		in.WalletKind = model.WalletKindMain
	}
	if _, err := model.ParseWalletKind(string(in.WalletKind)); err != nil {
		return nil, false, err
	}
	if in.Reference == "" {
		in.Reference = NewReference()
	}

	t := &model.Transaction{
		OwnerID:      in.OwnerID,
		WalletKind:   in.WalletKind,
		Counterparty: in.Counterparty,
		Reference:    in.Reference,
		Amount:       in.Amount,
		Type:         in.Type,
		Provider:     in.Provider,
		Remark:       in.Remark,
		Meta:         in.Meta,
	}

	ctx = context.WithoutCancel(ctx)

	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		if !errors.Is(err, repository.ErrDuplicateReference) {
			return nil, false, fmt.Errorf("create transaction: %w", err)
		}
		existing, getErr := s.repo.GetTransactionByReference(ctx, in.Reference)
		if getErr != nil {
			return nil, false, fmt.Errorf("load duplicate %s: %w", in.Reference, getErr)
		}
		if existing.OwnerID != in.OwnerID || existing.Amount != in.Amount || existing.Type != in.Type {
			return nil, false, repository.ErrDuplicateReference
		}
		return existing, false, nil
	}

	s.logger.Info("transaction created",
		zap.String("reference", t.Reference),
		zap.String("owner_id", t.OwnerID),
		zap.String("type", string(t.Type)),
		zap.Int64("amount", t.Amount),
	)
	s.publish(ctx, events.TypeTransactionCreated, t)

	if !t.Type.PreDebited() {
		return t, true, nil
	}

	_, err := s.apply(ctx, s.transactionMutation(t, model.EntryTypeDebit, string(t.Type)))
	switch {
	case err == nil, errors.Is(err, ErrLedgerWrite):
		if setErr := s.repo.SetEffectApplied(ctx, t.ID, true); setErr != nil {
			return t, true, fmt.Errorf("mark effect applied: %w", setErr)
		}
		t.EffectApplied = true
		return t, true, err
	default:
		failed, trErr := s.repo.TransitionTransaction(ctx, model.Transition{
			ID:   t.ID,
			From: model.TransactionStatusPending,
			To:   model.TransactionStatusFailed,
		})
		if trErr != nil {
			s.logger.Error("fail transaction after debit error",
				zap.String("reference", t.Reference),
				zap.Error(trErr),
			)
			return t, true, err
		}
		s.metrics.ObserveSettlement(string(model.TransactionStatusFailed), "create")
		s.publish(ctx, events.TypeTransactionFailed, failed)
		return failed, true, err
	}
}

// GetTransaction возвращает транзакцию по reference.
func (s *Service) GetTransaction(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.repo.GetTransactionByReference(ctx, reference)
}

// GetTransactionByID возвращает транзакцию по идентификатору.
func (s *Service) GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error) {
	return s.repo.GetTransactionByID(ctx, id)
}

// ListTransactions возвращает последние транзакции владельца.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > defaultTransactionLimit {
		limit = defaultTransactionLimit
	}
	return s.repo.ListTransactionsByOwner(ctx, ownerID, limit)
}

// ResolveTransaction завершает ожидающую транзакцию с итогом success или failed.
// Условное обновление статуса гарантирует, что влияние на кошелёк применяется не более одного раза.
func (s *Service) ResolveTransaction(ctx context.Context, id int64, outcome model.TransactionStatus, providerReference string) (*model.Transaction, error) {
	if !model.CanTransition(model.TransactionStatusPending, outcome) {
		return nil, fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, outcome)
	}
	current, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var res *model.Transaction
	err = s.withTransactionLock(ctx, current.Reference, func(ctx context.Context) error {
		var err error
		res, err = s.resolve(context.WithoutCancel(ctx), id, outcome, providerReference, "manual")
		return err
	})
	return res, err
}

// resolve переводит транзакцию из pending и применяет итоговое влияние на кошелёк.
// Если влияние не применилось, транзакция остаётся в списке незавершённых эффектов и доводится сверкой.
func (s *Service) resolve(ctx context.Context, id int64, to model.TransactionStatus, providerReference, origin string) (*model.Transaction, error) {
	t, err := s.repo.TransitionTransaction(ctx, model.Transition{
		ID:                id,
		From:              model.TransactionStatusPending,
		To:                to,
		ProviderReference: providerReference,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, ErrTransactionAlreadyFinalized
		}
		return nil, err
	}
	s.metrics.ObserveSettlement(string(to), origin)

	effectErr := s.applySettlementEffect(ctx, t)

	eventType := events.TypeTransactionSucceeded
	if to == model.TransactionStatusFailed {
		eventType = events.TypeTransactionFailed
	}
	s.publish(ctx, eventType, t)

	s.logger.Info("transaction resolved",
		zap.String("reference", t.Reference),
		zap.String("status", string(to)),
		zap.String("origin", origin),
	)
	return t, effectErr
}

// ReverseTransaction отменяет успешную транзакцию и применяет компенсирующее изменение кошелька.
// Статус меняется на reversed только после успешной компенсации.
func (s *Service) ReverseTransaction(ctx context.Context, id int64, reason, actorID string) (*model.Transaction, error) {
	current, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var res *model.Transaction
	err = s.withTransactionLock(ctx, current.Reference, func(ctx context.Context) error {
		var err error
		res, err = s.reverse(context.WithoutCancel(ctx), id, reason, actorID)
		return err
	})
	return res, err
}

func (s *Service) reverse(ctx context.Context, id int64, reason, actorID string) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TransactionStatusReversed:
		return nil, ErrTransactionAlreadyFinalized
	case model.TransactionStatusSuccess:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, model.TransactionStatusReversed)
	}

	compensation := model.EntryTypeCredit
	if t.Type.Effect() == model.EntryTypeCredit {
		compensation = model.EntryTypeDebit
	}

	compensated := t.EffectApplied
	var ledgerErr error
	if compensated {
		_, err := s.apply(ctx, s.transactionMutation(t, compensation, "reversal: "+reason))
		switch {
		case err == nil:
		case errors.Is(err, ErrLedgerWrite):
			ledgerErr = err
		default:
			return nil, err
		}
	}

	reversed, err := s.repo.TransitionTransaction(ctx, model.Transition{
		ID:   id,
		From: model.TransactionStatusSuccess,
		To:   model.TransactionStatusReversed,
		Reversal: &model.ReversalMeta{
			Reason:     reason,
			ActorID:    actorID,
			ReversedAt: s.now().UTC(),
		},
	})
	if err != nil {
		if compensated {
			s.undoCompensation(ctx, t, compensation, reason)
		}
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, ErrTransactionAlreadyFinalized
		}
		return nil, err
	}

	if compensated {
		if err := s.repo.SetEffectApplied(ctx, id, false); err != nil {
			return reversed, fmt.Errorf("mark effect reverted: %w", err)
		}
		reversed.EffectApplied = false
	}

	s.metrics.ObserveSettlement(string(model.TransactionStatusReversed), "manual")
	s.publish(ctx, events.TypeTransactionReversed, reversed)
	s.logger.Info("transaction reversed",
		zap.String("reference", reversed.Reference),
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
	)
	return reversed, ledgerErr
}

// undoCompensation возвращает кошелёк в прежнее состояние, если отмену не удалось зафиксировать.
func (s *Service) undoCompensation(ctx context.Context, t *model.Transaction, compensation model.EntryType, reason string) {
	undo := model.EntryTypeCredit
	if compensation == model.EntryTypeCredit {
		undo = model.EntryTypeDebit
	}
	if _, err := s.apply(ctx, s.transactionMutation(t, undo, "reversal aborted: "+reason)); err != nil &&
		!errors.Is(err, ErrLedgerWrite) {
		s.logger.Error("undo reversal compensation",
			zap.String("reference", t.Reference),
			zap.String("type", string(undo)),
			zap.Int64("amount", t.Amount),
			zap.Error(err),
		)
	}
}

// HandleProviderStatus применяет статус, присланный провайдером через webhook.
func (s *Service) HandleProviderStatus(ctx context.Context, providerName string, st provider.Status) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionByReference(ctx, st.Reference)
	if err != nil {
		return nil, err
	}
	if t.Provider != providerName {
		return nil, repository.ErrTransactionNotFound
	}

	var res *model.Transaction
	err = s.withTransactionLock(ctx, t.Reference, func(ctx context.Context) error {
		var err error
		res, err = s.settle(context.WithoutCancel(ctx), t, &st, "webhook")
		return err
	})
	return res, err
}

// settle переводит транзакцию в итоговое состояние по ответу провайдера.
// Незавершённый статус оставляет транзакцию без изменений.
func (s *Service) settle(ctx context.Context, t *model.Transaction, st *provider.Status, origin string) (*model.Transaction, error) {
	switch st.Status {
	case provider.OutcomeSuccess:
		if st.Amount != 0 && st.Amount != t.Amount {
			s.logger.Error("provider amount mismatch",
				zap.String("reference", t.Reference),
				zap.String("provider", t.Provider),
				zap.Int64("amount", t.Amount),
				zap.Int64("provider_amount", st.Amount),
			)
			return t, ErrAmountMismatch
		}
		return s.resolve(ctx, t.ID, model.TransactionStatusSuccess, st.ProviderReference, origin)
	case provider.OutcomeFailed:
		return s.resolve(ctx, t.ID, model.TransactionStatusFailed, st.ProviderReference, origin)
	default:
		return t, nil
	}
}

func (s *Service) transactionMutation(t *model.Transaction, typ model.EntryType, reason string) mutation {
	counterparty := t.Counterparty
	if counterparty == "" {
		counterparty = t.Provider
	}
	return mutation{
		ownerID:      t.OwnerID,
		kind:         t.WalletKind,
		amount:       t.Amount,
		typ:          typ,
		reason:       reason,
		counterparty: counterparty,
		reference:    t.Reference,
	}
}

// applySettlementEffect применяет влияние завершённой транзакции на кошелёк, если оно ещё не применено:
// кредит для успешного зачисления или возврат для неудачного списания.
func (s *Service) applySettlementEffect(ctx context.Context, t *model.Transaction) error {
	if !t.EffectOutstanding() {
		return nil
	}
	if t.Status == model.TransactionStatusSuccess {
		return s.applyEffect(ctx, t, model.EntryTypeCredit, string(t.Type), true)
	}
	return s.applyEffect(ctx, t, model.EntryTypeCredit, "refund: "+string(t.Type)+" failed", false)
}

// withTransactionLock выполняет fn под блокировкой txn_lock:<reference>.
// Занятая блокировка не ожидается: возвращается ErrTransactionLocked.
func (s *Service) withTransactionLock(ctx context.Context, reference string, fn func(ctx context.Context) error) error {
	key := lock.TransactionKey(reference)
	token, ok, err := s.locker.Acquire(ctx, key, s.reconcile.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		s.metrics.ObserveLockConflict("transaction")
		return ErrTransactionLocked
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("release transaction lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// applyEffect изменяет кошелёк по транзакции и сохраняет признак applied.
func (s *Service) applyEffect(ctx context.Context, t *model.Transaction, typ model.EntryType, reason string, applied bool) error {
	_, err := s.apply(ctx, s.transactionMutation(t, typ, reason))
	if err != nil && !errors.Is(err, ErrLedgerWrite) {
		s.logger.Error("transaction wallet effect failed",
			zap.String("reference", t.Reference),
			zap.String("type", string(typ)),
			zap.Int64("amount", t.Amount),
			zap.Error(err),
		)
		return err
	}
	if setErr := s.repo.SetEffectApplied(ctx, t.ID, applied); setErr != nil {
		return fmt.Errorf("mark effect applied: %w", setErr)
	}
	t.EffectApplied = applied
	return err
}
