// Package handler содержит HTTP-обработчики API кошельков и транзакций.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/middleware"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/provider"
	"github.com/mmeshcher/paywallet/internal/repository"
	"github.com/mmeshcher/paywallet/internal/service"
	"github.com/mmeshcher/paywallet/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetOrCreateWallet(ctx context.Context, ownerID string, kind model.WalletKind) (*model.Wallet, error)
	GetAllWallets(ctx context.Context, ownerID string) ([]model.Wallet, error)
	Credit(ctx context.Context, ownerID string, kind model.WalletKind, amount int64, reason string) (*model.Wallet, error)
	Debit(ctx context.Context, ownerID string, kind model.WalletKind, amount int64, reason string) (*model.Wallet, error)
	LedgerEntries(ctx context.Context, ownerID string, kind model.WalletKind, limit int) ([]model.LedgerEntry, error)

	CreateTransaction(ctx context.Context, in service.NewTransaction) (*model.Transaction, bool, error)
	GetTransaction(ctx context.Context, reference string) (*model.Transaction, error)
	GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error)
	ResolveTransaction(ctx context.Context, id int64, outcome model.TransactionStatus, providerReference string) (*model.Transaction, error)
	ReverseTransaction(ctx context.Context, id int64, reason, actorID string) (*model.Transaction, error)
	HandleProviderStatus(ctx context.Context, providerName string, st provider.Status) (*model.Transaction, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	walletLock     *middleware.WalletLock
	webhookSecret  []byte
	metrics        http.Handler
}

// Option настраивает Handler.
type Option func(*Handler)

// WithWebhookSecret задаёт секрет подписи webhook-запросов. Без него webhook-запросы отклоняются.
func WithWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = []byte(secret) }
}

// WithMetricsHandler публикует метрики по маршруту /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, walletLock *middleware.WalletLock, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		walletLock:     walletLock,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

const maxBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeError отвечает кодом, соответствующим доменной ошибке. Текст ошибок хранилища клиенту не передаётся.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var status int
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, errInvalidID),
		errors.Is(err, validation.ErrAmountFormat),
		errors.Is(err, model.ErrInvalidKind),
		errors.Is(err, model.ErrInvalidMeta),
		errors.Is(err, model.ErrInvalidTransactionType):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrWalletLocked):
		http.Error(w, middleware.WalletLockedMessage, http.StatusConflict)
		return
	case errors.Is(err, repository.ErrDuplicateReference),
		errors.Is(err, service.ErrTransactionAlreadyFinalized),
		errors.Is(err, service.ErrTransactionLocked),
		errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrAmountMismatch):
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

type walletResponse struct {
	Kind      model.WalletKind `json:"kind"`
	Balance   decimal.Decimal  `json:"balance"`
	Currency  string           `json:"currency"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newWalletResponse(w *model.Wallet) walletResponse {
	return walletResponse{
		Kind:      w.Kind,
		Balance:   validation.FromMinorUnits(w.Balance),
		Currency:  w.Currency,
		UpdatedAt: w.UpdatedAt,
	}
}

type ledgerEntryResponse struct {
	Type        model.EntryType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	OldBalance  decimal.Decimal `json:"old_balance"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Reason      string          `json:"reason"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type transactionResponse struct {
	ID                int64                   `json:"id"`
	Reference         string                  `json:"reference"`
	ProviderReference string                  `json:"provider_reference,omitempty"`
	Type              model.TransactionType   `json:"type"`
	Status            model.TransactionStatus `json:"status"`
	Amount            decimal.Decimal         `json:"amount"`
	WalletKind        model.WalletKind        `json:"wallet_kind"`
	Provider          string                  `json:"provider,omitempty"`
	Counterparty      string                  `json:"counterparty,omitempty"`
	Remark            string                  `json:"remark,omitempty"`
	Meta              model.Meta              `json:"meta,omitempty"`
	Reversal          *model.ReversalMeta     `json:"reversal,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	ResolvedAt        *time.Time              `json:"resolved_at,omitempty"`
}

func newTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		Reference:         t.Reference,
		ProviderReference: t.ProviderReference,
		Type:              t.Type,
		Status:            t.Status,
		Amount:            validation.FromMinorUnits(t.Amount),
		WalletKind:        t.WalletKind,
		Provider:          t.Provider,
		Counterparty:      t.Counterparty,
		Remark:            t.Remark,
		Meta:              t.Meta,
		Reversal:          t.Reversal,
		CreatedAt:         t.CreatedAt,
		ResolvedAt:        t.ResolvedAt,
	}
}
