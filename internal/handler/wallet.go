package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/paywallet/internal/auth"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/validation"
)

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// GetWallets возвращает все кошельки владельца.
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	wallets, err := h.service.GetAllWallets(r.Context(), p.OwnerID())
	if err != nil {
		h.writeError(w, "get wallets", err)
		return
	}

	resp := make([]walletResponse, 0, len(wallets))
	for i := range wallets {
		resp = append(resp, newWalletResponse(&wallets[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetWallet возвращает кошелёк указанного вида.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	kind, err := model.ParseWalletKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, "get wallet", err)
		return
	}

	wallet, err := h.service.GetOrCreateWallet(r.Context(), p.OwnerID(), kind)
	if err != nil {
		h.writeError(w, "get wallet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newWalletResponse(wallet))
}

// GetLedger возвращает последние записи реестра кошелька.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	kind, err := model.ParseWalletKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, "get ledger", err)
		return
	}

	entries, err := h.service.LedgerEntries(r.Context(), p.OwnerID(), kind, parseLimit(r))
	if err != nil {
		h.writeError(w, "get ledger", err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Type:        e.Type,
			Amount:      validation.FromMinorUnits(e.Amount),
			OldBalance:  validation.FromMinorUnits(e.OldBalance),
			NewBalance:  validation.FromMinorUnits(e.NewBalance),
			Source:      e.Source,
			Destination: e.Destination,
			Reason:      e.Reason,
			Currency:    e.CurrencyCode,
			Reference:   e.TransactionReference,
			CreatedAt:   e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Debit списывает средства с кошелька владельца запроса.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	kind, amount, reason, ok := h.parseMutation(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.Debit(r.Context(), p.OwnerID(), kind, amount, reason)
	if err != nil {
		h.writeError(w, "debit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newWalletResponse(wallet))
}

// Credit зачисляет средства на кошелёк владельца из маршрута. Доступно администраторам.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	kind, amount, reason, ok := h.parseMutation(w, r)
	if !ok {
		return
	}
	owner := chi.URLParam(r, "owner")

	wallet, err := h.service.Credit(r.Context(), owner, kind, amount, reason)
	if err != nil {
		h.writeError(w, "credit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newWalletResponse(wallet))
}

func (h *Handler) parseMutation(w http.ResponseWriter, r *http.Request) (model.WalletKind, int64, string, bool) {
	kind, err := model.ParseWalletKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, "parse wallet kind", err)
		return "", 0, "", false
	}

	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return "", 0, "", false
	}
	if req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return "", 0, "", false
	}

	amount, err := validation.ToMinorUnits(req.Amount)
	if err != nil {
		h.writeError(w, "parse amount", err)
		return "", 0, "", false
	}
	return kind, amount, req.Reason, true
}
