package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransactionType возвращается для неизвестного типа транзакции.
var ErrInvalidTransactionType = errors.New("invalid transaction type")

// TransactionStatus описывает состояние транзакции.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusSuccess  TransactionStatus = "success"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusReversed TransactionStatus = "reversed"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusSuccess, TransactionStatusFailed},
	TransactionStatusSuccess: {TransactionStatusReversed},
}

// CanTransition сообщает, допустим ли переход между состояниями.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal сообщает, что из состояния нет перехода в рамках обычного потока обработки.
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusPending
}

// TransactionType описывает назначение денежной операции.
type TransactionType string

const (
	TransactionTypeDeposit      TransactionType = "deposit"
	TransactionTypePurchase     TransactionType = "purchase"
	TransactionTypeWithdrawal   TransactionType = "withdrawal"
	TransactionTypeCryptoSell   TransactionType = "crypto_sell"
	TransactionTypeGiftCardSell TransactionType = "gift_card_sell"
)

// TransactionTypes перечисляет все типы транзакций.
var TransactionTypes = []TransactionType{
	TransactionTypeDeposit,
	TransactionTypePurchase,
	TransactionTypeWithdrawal,
	TransactionTypeCryptoSell,
	TransactionTypeGiftCardSell,
}

// ParseTransactionType проверяет строку и возвращает тип транзакции.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case TransactionTypeDeposit, TransactionTypePurchase, TransactionTypeWithdrawal,
		TransactionTypeCryptoSell, TransactionTypeGiftCardSell:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, s)
}

// Effect возвращает направление изменения кошелька, которое вызывает транзакция этого типа.
func (t TransactionType) Effect() EntryType {
	switch t {
	case TransactionTypePurchase, TransactionTypeWithdrawal:
		return EntryTypeDebit
	default:
		return EntryTypeCredit
	}
}

// PreDebited сообщает, что средства списываются в момент создания транзакции,
// а не после подтверждения провайдером.
func (t TransactionType) PreDebited() bool {
	return t.Effect() == EntryTypeDebit
}

// Transaction описывает денежное намерение и его жизненный цикл.
type Transaction struct {
	ID                int64
	OwnerID           string
	WalletKind        WalletKind
	Counterparty      string
	Reference         string
	ProviderReference string
	Amount            int64
	Type              TransactionType
	Provider          string
	Remark            string
	Meta              Meta
	Status            TransactionStatus
	EffectApplied     bool
	PollAttempts      int
	Reversal          *ReversalMeta
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// EffectOutstanding сообщает, что транзакция завершена, но её итоговое влияние на кошелёк
// ещё не применено: успешное зачисление без кредита или неудача без возврата списанных средств.
func (t *Transaction) EffectOutstanding() bool {
	switch t.Status {
	case TransactionStatusSuccess:
		return !t.Type.PreDebited() && !t.EffectApplied
	case TransactionStatusFailed:
		return t.Type.PreDebited() && t.EffectApplied
	default:
		return false
	}
}

// Transition описывает условный переход транзакции между состояниями.
// Переход применяется только если текущее состояние равно From.
type Transition struct {
	ID                int64
	From              TransactionStatus
	To                TransactionStatus
	ProviderReference string
	Reversal          *ReversalMeta
}
