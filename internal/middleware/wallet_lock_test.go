package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/auth"
	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/metrics"
)

func lockedChain(t *testing.T, locker lock.Locker, next http.Handler) (http.Handler, *auth.JWTVerifier) {
	t.Helper()
	v := auth.NewJWTVerifier("test-secret")
	wl := NewWalletLock(locker, 30*time.Second, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	return NewAuthMiddleware(v).Middleware(wl.Middleware(next)), v
}

func TestWalletLock_SecondRequestRejectedWhileFirstInFlight(t *testing.T) {
	locker := lock.NewMemoryLocker()
	entered := make(chan struct{})
	release := make(chan struct{})

	h, v := lockedChain(t, locker, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("block") == "1" {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	token := bearer(t, v, "user-1", auth.RoleUser)

	first := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/wallets/main/debit?block=1", nil)
		r.Header.Set("Authorization", token)
		h.ServeHTTP(w, r)
		first <- w.Code
	}()
	<-entered

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/wallets/main/debit", nil)
	r.Header.Set("Authorization", token)
	h.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("second request status = %d, want %d", w.Code, http.StatusConflict)
	}
	if !strings.Contains(w.Body.String(), WalletLockedMessage) {
		t.Fatalf("body = %q, want %q", w.Body.String(), WalletLockedMessage)
	}

	other := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/api/wallets/main/debit", nil)
	r.Header.Set("Authorization", bearer(t, v, "user-2", auth.RoleUser))
	h.ServeHTTP(other, r)
	if other.Code != http.StatusOK {
		t.Fatalf("other owner status = %d, want %d", other.Code, http.StatusOK)
	}

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/api/wallets/main/debit", nil)
	r.Header.Set("Authorization", token)
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("retry after release status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestWalletLock_ReleasedWhenClientCancels(t *testing.T) {
	locker := lock.NewMemoryLocker()
	h, v := lockedChain(t, locker, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodPost, "/api/transactions", nil).WithContext(ctx)
	r.Header.Set("Authorization", bearer(t, v, "user-1", auth.RoleUser))

	h.ServeHTTP(httptest.NewRecorder(), r)
	cancel()

	_, ok, err := locker.Acquire(context.Background(), lock.WalletKey("user-1"), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("wallet lock was not released")
	}
}

func TestWalletLock_ForOwnerParam(t *testing.T) {
	locker := lock.NewMemoryLocker()
	wl := NewWalletLock(locker, 30*time.Second, zap.NewNop(), nil)

	_, ok, err := locker.Acquire(context.Background(), lock.WalletKey("user-9"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	r := chi.NewRouter()
	r.With(wl.ForOwnerParam("owner")).Post("/api/admin/wallets/{owner}/main/credit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/wallets/user-9/main/credit", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("locked owner status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/wallets/user-10/main/credit", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("free owner status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestWalletLock_ForOwnerFunc(t *testing.T) {
	locker := lock.NewMemoryLocker()
	wl := NewWalletLock(locker, 30*time.Second, zap.NewNop(), nil)
	errUnknown := errors.New("unknown transaction")

	owners := map[string]string{"1": "user-1", "2": "user-2"}
	resolve := func(r *http.Request) (string, error) {
		owner, ok := owners[chi.URLParam(r, "id")]
		if !ok {
			return "", errUnknown
		}
		return owner, nil
	}
	onError := func(w http.ResponseWriter, err error) {
		http.Error(w, err.Error(), http.StatusNotFound)
	}

	var called int
	r := chi.NewRouter()
	r.With(wl.ForOwnerFunc(resolve, onError)).Post("/api/admin/transactions/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	})

	_, ok, err := locker.Acquire(context.Background(), lock.WalletKey("user-1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/transactions/1/resolve", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("locked owner status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/transactions/2/resolve", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("free owner status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/transactions/3/resolve", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown transaction status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if called != 1 {
		t.Fatalf("handler called %d times, want 1", called)
	}
}
