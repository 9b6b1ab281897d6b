package service

import "errors"

var (
	// ErrInvalidAmount возвращается для неположительной суммы операции.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrWalletLocked возвращается, если по кошелькам владельца уже выполняется изменяющая операция.
	ErrWalletLocked = errors.New("wallet is locked by another operation")
	// ErrTransactionLocked возвращается, если транзакция уже обрабатывается другим запросом или сверкой.
	ErrTransactionLocked = errors.New("transaction is locked by another operation")
	// ErrTransactionAlreadyFinalized возвращается при повторном расчёте или отмене транзакции.
	ErrTransactionAlreadyFinalized = errors.New("transaction already finalized")
	// ErrInvalidTransition возвращается для перехода, запрещённого машиной состояний.
	ErrInvalidTransition = errors.New("invalid transaction status transition")
	// ErrLedgerWrite означает, что баланс изменён, а запись реестра не сохранена.
	// Такой кошелёк требует ручной сверки.
	ErrLedgerWrite = errors.New("ledger write failed after balance mutation")
	// ErrUnknownProvider возвращается для провайдера, клиент которого не настроен.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ErrAmountMismatch возвращается, если провайдер подтвердил сумму, отличную от сохранённой.
// Транзакция остаётся в ожидании до ручной проверки.
var ErrAmountMismatch = errors.New("provider amount does not match transaction amount")
