package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/auth"
	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/metrics"
)

// WalletLockedMessage — тело ответа 409, когда кошельки владельца заняты другой операцией.
const WalletLockedMessage = "WalletLocked"

// WalletLock не допускает одновременных изменяющих запросов одного владельца.
// Второй запрос отклоняется сразу, без ожидания.
type WalletLock struct {
	locker  lock.Locker
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewWalletLock создаёт middleware блокировки кошельков с временем жизни ttl.
func NewWalletLock(locker lock.Locker, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *WalletLock {
	return &WalletLock{locker: locker, ttl: ttl, logger: logger, metrics: m}
}

// Middleware захватывает wallet_lock:<owner> владельца запроса на время обработки.
func (l *WalletLock) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		l.guard(w, r, next, p.OwnerID())
	})
}

// ForOwnerParam захватывает блокировку владельца из параметра маршрута param.
// Используется административными маршрутами, которые меняют чужие кошельки.
func (l *WalletLock) ForOwnerParam(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := chi.URLParam(r, param)
			if owner == "" {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			l.guard(w, r, next, owner)
		})
	}
}

// ForOwnerFunc захватывает блокировку владельца, которого определяет resolve по запросу.
// Ошибку resolve выводит onError, обработчик при этом не вызывается.
func (l *WalletLock) ForOwnerFunc(resolve func(r *http.Request) (string, error), onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolve(r)
			if err != nil {
				onError(w, err)
				return
			}
			l.guard(w, r, next, owner)
		})
	}
}

func (l *WalletLock) guard(w http.ResponseWriter, r *http.Request, next http.Handler, ownerID string) {
	key := lock.WalletKey(ownerID)
	token, acquired, err := l.locker.Acquire(r.Context(), key, l.ttl)
	if err != nil {
		l.logger.Error("acquire wallet lock", zap.String("key", key), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if !acquired {
		l.metrics.ObserveLockConflict("wallet")
		http.Error(w, WalletLockedMessage, http.StatusConflict)
		return
	}

	defer func() {
		err := l.locker.Release(context.WithoutCancel(r.Context()), key, token)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrNotOwner):
			l.logger.Warn("wallet lock expired before release", zap.String("key", key))
		default:
			l.logger.Error("release wallet lock", zap.String("key", key), zap.Error(err))
		}
	}()

	next.ServeHTTP(w, r)
}
