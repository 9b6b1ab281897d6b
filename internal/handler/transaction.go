package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/auth"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/repository"
	"github.com/mmeshcher/paywallet/internal/service"
	"github.com/mmeshcher/paywallet/internal/validation"
)

type createTransactionRequest struct {
	Reference    string          `json:"reference"`
	Type         string          `json:"type"`
	WalletKind   string          `json:"wallet_kind"`
	Amount       decimal.Decimal `json:"amount"`
	Provider     string          `json:"provider"`
	Counterparty string          `json:"counterparty"`
	Remark       string          `json:"remark"`
	Meta         json.RawMessage `json:"meta"`
}

type resolveRequest struct {
	Status            string `json:"status"`
	ProviderReference string `json:"provider_reference"`
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

// CreateTransaction регистрирует новую транзакцию владельца запроса.
// Повтор с тем же reference возвращает сохранённую транзакцию с кодом 200.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Reference != "" && !validation.IsValidReference(req.Reference) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	typ, err := model.ParseTransactionType(req.Type)
	if err != nil {
		h.writeError(w, "create transaction", err)
		return
	}

	in := service.NewTransaction{
		OwnerID:      p.OwnerID(),
		Counterparty: req.Counterparty,
		Reference:    req.Reference,
		Type:         typ,
		Provider:     strings.ToLower(strings.TrimSpace(req.Provider)),
		Remark:       req.Remark,
	}
	if req.WalletKind != "" {
		if in.WalletKind, err = model.ParseWalletKind(req.WalletKind); err != nil {
			h.writeError(w, "create transaction", err)
			return
		}
	}
	if in.Amount, err = validation.ToMinorUnits(req.Amount); err != nil {
		h.writeError(w, "create transaction", err)
		return
	}
	if in.Meta, err = model.DecodeMeta(typ, req.Meta); err != nil {
		h.writeError(w, "create transaction", err)
		return
	}

	t, created, err := h.service.CreateTransaction(r.Context(), in)
	if err != nil {
		h.writeError(w, "create transaction", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, newTransactionResponse(t))
}

// ListTransactions возвращает последние транзакции владельца запроса.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	txs, err := h.service.ListTransactions(r.Context(), p.OwnerID(), parseLimit(r))
	if err != nil {
		h.writeError(w, "list transactions", err)
		return
	}
	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for i := range txs {
		resp = append(resp, newTransactionResponse(&txs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetTransaction возвращает транзакцию по reference. Чужие транзакции видны только администраторам.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	t, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeError(w, "get transaction", err)
		return
	}
	if t.OwnerID != p.OwnerID() && !p.IsAdmin() {
		h.writeError(w, "get transaction", repository.ErrTransactionNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

// ResolveTransaction вручную завершает ожидающую транзакцию.
func (h *Handler) ResolveTransaction(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.ResolveTransaction(r.Context(), id, model.TransactionStatus(req.Status), req.ProviderReference)
	if err != nil {
		if t == nil {
			h.writeError(w, "resolve transaction", err)
			return
		}
		h.logger.Error("resolve transaction wallet effect", zap.Int64("id", id), zap.Error(err))
	}

	h.logger.Info("transaction resolved manually",
		zap.Int64("id", id),
		zap.String("status", req.Status),
		zap.String("actor_id", p.OwnerID()),
	)
	h.writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

// ReverseTransaction отменяет успешную транзакцию.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req reverseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.ReverseTransaction(r.Context(), id, req.Reason, p.OwnerID())
	if err != nil {
		h.writeError(w, "reverse transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

var errInvalidID = errors.New("invalid transaction id")

// transactionOwner определяет владельца транзакции из маршрута для блокировки его кошельков.
func (h *Handler) transactionOwner(r *http.Request) (string, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return "", errInvalidID
	}
	t, err := h.service.GetTransactionByID(r.Context(), id)
	if err != nil {
		return "", err
	}
	return t.OwnerID, nil
}

func (h *Handler) writeOwnerError(w http.ResponseWriter, err error) {
	h.writeError(w, "lock transaction owner", err)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
