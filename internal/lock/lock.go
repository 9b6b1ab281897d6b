// Package lock предоставляет краткоживущие распределённые блокировки с ограниченным временем жизни.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotOwner возвращается при попытке снять блокировку с чужим токеном.
var ErrNotOwner = errors.New("lock is not held by this token")

// Locker — примитив взаимного исключения поверх общего кэша.
type Locker interface {
	// Acquire устанавливает ключ, только если он отсутствует, и возвращает токен владельца.
	// ok == false означает, что блокировка уже удерживается.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release снимает блокировку, только если она удерживается указанным токеном.
	Release(ctx context.Context, key, token string) error
}

// WalletKey возвращает ключ блокировки кошельков владельца.
func WalletKey(ownerID string) string {
	return "wallet_lock:" + ownerID
}

// TransactionKey возвращает ключ блокировки на время расчёта транзакции.
func TransactionKey(reference string) string {
	return "txn_lock:" + reference
}

func newToken() string {
	return uuid.NewString()
}
