package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/provider"
	"github.com/mmeshcher/paywallet/internal/service"
)

// SignatureHeader содержит HMAC-SHA256 тела webhook-запроса в hex.
const SignatureHeader = "X-Signature"

// Webhook принимает уведомление провайдера об итоге транзакции.
// Повторное уведомление по уже завершённой транзакции подтверждается кодом 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "provider"))

	if len(h.webhookSecret) == 0 {
		h.logger.Warn("webhook rejected: secret not configured", zap.String("provider", name))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !provider.VerifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature mismatch", zap.String("provider", name))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var st provider.Status
	if err := json.Unmarshal(body, &st); err != nil || st.Reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.HandleProviderStatus(r.Context(), name, st)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrTransactionAlreadyFinalized):
		w.WriteHeader(http.StatusOK)
		return
	case t != nil && !errors.Is(err, service.ErrAmountMismatch):
		h.logger.Error("webhook wallet effect", zap.String("reference", st.Reference), zap.Error(err))
	default:
		h.writeError(w, "webhook", err)
		return
	}

	h.logger.Info("webhook processed",
		zap.String("provider", name),
		zap.String("reference", st.Reference),
		zap.String("status", string(t.Status)),
	)
	h.writeJSON(w, http.StatusOK, newTransactionResponse(t))
}
