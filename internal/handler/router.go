package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/paywallet/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(custommiddleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/{provider}", h.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/wallets", custommiddleware.Authenticated(h.GetWallets))
			r.Get("/wallets/{kind}", custommiddleware.Authenticated(h.GetWallet))
			r.Get("/wallets/{kind}/ledger", custommiddleware.Authenticated(h.GetLedger))

			r.Get("/transactions", custommiddleware.Authenticated(h.ListTransactions))
			r.Get("/transactions/{reference}", custommiddleware.Authenticated(h.GetTransaction))

			r.Group(func(r chi.Router) {
				r.Use(h.walletLock.Middleware)

				r.Post("/wallets/{kind}/debit", custommiddleware.Authenticated(h.Debit))
				r.Post("/transactions", custommiddleware.Authenticated(h.CreateTransaction))
			})

			r.Route("/admin", func(r chi.Router) {
				r.With(custommiddleware.RequireAdmin, h.walletLock.ForOwnerParam("owner")).
					Post("/wallets/{owner}/{kind}/credit", custommiddleware.Authenticated(h.Credit))

				lockTxOwner := r.With(custommiddleware.RequireAdmin, h.walletLock.ForOwnerFunc(h.transactionOwner, h.writeOwnerError))
				lockTxOwner.Post("/transactions/{id}/resolve", custommiddleware.AdminOnly(h.ResolveTransaction))
				lockTxOwner.Post("/transactions/{id}/reverse", custommiddleware.AdminOnly(h.ReverseTransaction))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
