// Package model содержит доменные сущности кошелька и реестра операций.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidKind возвращается для неизвестного типа кошелька.
var ErrInvalidKind = errors.New("invalid wallet kind")

// WalletKind описывает тип кошелька пользователя.
type WalletKind string

const (
	WalletKindMain       WalletKind = "main"
	WalletKindBonus      WalletKind = "bonus"
	WalletKindCommission WalletKind = "commission"
)

// WalletKinds перечисляет все типы кошельков в порядке отображения.
var WalletKinds = []WalletKind{WalletKindMain, WalletKindBonus, WalletKindCommission}

// ParseWalletKind проверяет строку и возвращает соответствующий тип кошелька.
func ParseWalletKind(s string) (WalletKind, error) {
	switch k := WalletKind(s); k {
	case WalletKindMain, WalletKindBonus, WalletKindCommission:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Wallet описывает текущий баланс владельца для одного типа кошелька.
// Баланс хранится в минимальных единицах валюты и никогда не бывает отрицательным.
type Wallet struct {
	ID        int64
	OwnerID   string
	Kind      WalletKind
	Balance   int64
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryType описывает направление записи в реестре.
type EntryType string

const (
	EntryTypeDebit  EntryType = "debit"
	EntryTypeCredit EntryType = "credit"
)

// LedgerEntry описывает неизменяемую запись об изменении баланса кошелька.
type LedgerEntry struct {
	ID                   int64
	WalletID             int64
	OwnerID              string
	Source               string
	Destination          string
	OldBalance           int64
	NewBalance           int64
	Type                 EntryType
	Reason               string
	Amount               int64
	CurrencyCode         string
	TransactionReference string
	CreatedAt            time.Time
}

// Signed возвращает сумму записи со знаком: положительную для зачисления, отрицательную для списания.
func (e LedgerEntry) Signed() int64 {
	if e.Type == EntryTypeDebit {
		return -e.Amount
	}
	return e.Amount
}
