package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/repository"
)

const defaultLedgerLimit = 100

// mutation описывает одно изменение баланса и запись реестра, которая его сопровождает.
type mutation struct {
	ownerID      string
	kind         model.WalletKind
	amount       int64
	typ          model.EntryType
	reason       string
	counterparty string
	reference    string
}

// GetOrCreateWallet возвращает кошелёк владельца, создавая его с нулевым балансом при первом обращении.
func (s *Service) GetOrCreateWallet(ctx context.Context, ownerID string, kind model.WalletKind) (*model.Wallet, error) {
	if _, err := model.ParseWalletKind(string(kind)); err != nil {
		return nil, err
	}
	return s.repo.GetOrCreateWallet(ctx, ownerID, kind, s.currency)
}

// GetAllWallets возвращает кошельки всех видов, создавая отсутствующие.
func (s *Service) GetAllWallets(ctx context.Context, ownerID string) ([]model.Wallet, error) {
	for _, kind := range model.WalletKinds {
		if _, err := s.repo.GetOrCreateWallet(ctx, ownerID, kind, s.currency); err != nil {
			return nil, err
		}
	}
	return s.repo.ListWallets(ctx, ownerID)
}

// Credit увеличивает баланс и добавляет запись реестра.
func (s *Service) Credit(ctx context.Context, ownerID string, kind model.WalletKind, amount int64, reason string) (*model.Wallet, error) {
	return s.apply(ctx, mutation{ownerID: ownerID, kind: kind, amount: amount, typ: model.EntryTypeCredit, reason: reason})
}

// Debit уменьшает баланс, если средств достаточно, и добавляет запись реестра.
// При нехватке средств возвращает repository.ErrInsufficientBalance, реестр не меняется.
func (s *Service) Debit(ctx context.Context, ownerID string, kind model.WalletKind, amount int64, reason string) (*model.Wallet, error) {
	return s.apply(ctx, mutation{ownerID: ownerID, kind: kind, amount: amount, typ: model.EntryTypeDebit, reason: reason})
}

// LedgerEntries возвращает последние записи реестра кошелька.
func (s *Service) LedgerEntries(ctx context.Context, ownerID string, kind model.WalletKind, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > defaultLedgerLimit {
		limit = defaultLedgerLimit
	}
	w, err := s.GetOrCreateWallet(ctx, ownerID, kind)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLedgerEntries(ctx, w.ID, limit)
}

func (s *Service) apply(ctx context.Context, m mutation) (*model.Wallet, error) {
	if m.amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := model.ParseWalletKind(string(m.kind)); err != nil {
		return nil, err
	}

	// Изменение баланса не прерывается отменой запроса клиента.
	ctx = context.WithoutCancel(ctx)

	var (
		w   *model.Wallet
		err error
	)
	if m.typ == model.EntryTypeCredit {
		w, err = s.repo.IncrementBalance(ctx, m.ownerID, m.kind, s.currency, m.amount)
	} else {
		w, err = s.repo.DecrementBalance(ctx, m.ownerID, m.kind, m.amount)
	}
	s.metrics.ObserveWalletMutation(string(m.typ), err)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, repository.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("%s wallet: %w", m.typ, err)
	}

	entry := &model.LedgerEntry{
		WalletID:             w.ID,
		OwnerID:              m.ownerID,
		NewBalance:           w.Balance,
		Type:                 m.typ,
		Reason:               m.reason,
		Amount:               m.amount,
		CurrencyCode:         w.Currency,
		TransactionReference: m.reference,
	}
	walletLabel := "wallet:" + string(m.kind)
	counterparty := m.counterparty
	if counterparty == "" {
		counterparty = "external"
	}
	if m.typ == model.EntryTypeCredit {
		entry.OldBalance = w.Balance - m.amount
		entry.Source, entry.Destination = counterparty, walletLabel
	} else {
		entry.OldBalance = w.Balance + m.amount
		entry.Source, entry.Destination = walletLabel, counterparty
	}

	if err := s.repo.AppendLedgerEntry(ctx, entry); err != nil {
		s.metrics.ObserveLedgerWriteFailure()
		s.logger.Error("ledger write failed after balance mutation",
			zap.Int64("wallet_id", entry.WalletID),
			zap.String("owner_id", entry.OwnerID),
			zap.String("type", string(entry.Type)),
			zap.Int64("amount", entry.Amount),
			zap.Int64("old_balance", entry.OldBalance),
			zap.Int64("new_balance", entry.NewBalance),
			zap.String("reason", entry.Reason),
			zap.String("reference", entry.TransactionReference),
			zap.Error(err),
		)
		return w, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	return w, nil
}
