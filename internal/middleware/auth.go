// Package middleware содержит HTTP middleware сервиса кошельков.
package middleware

import (
	"net/http"
	"strings"

	"github.com/mmeshcher/paywallet/internal/auth"
)

// AuthMiddleware проверяет bearer-токен и сохраняет владельца запроса в контексте.
type AuthMiddleware struct {
	verifier *auth.JWTVerifier
}

// NewAuthMiddleware создаёт AuthMiddleware поверх верификатора токенов.
func NewAuthMiddleware(verifier *auth.JWTVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Middleware отклоняет запросы без действительного токена с кодом 401.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		p, err := a.verifier.Verify(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// AuthenticatedFunc — обработчик, которому нужен проверенный владелец запроса.
type AuthenticatedFunc func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// Authenticated передаёт обработчику владельца из контекста. Без него отвечает 401.
func Authenticated(h AuthenticatedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h(w, r, p)
	}
}

// AdminOnly пропускает только владельцев с ролью admin, остальным отвечает 403.
func AdminOnly(h AuthenticatedFunc) http.HandlerFunc {
	return Authenticated(func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if !p.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h(w, r, p)
	})
}

// RequireAdmin отклоняет запросы без роли admin до выполнения следующих middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return AdminOnly(func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		next.ServeHTTP(w, r)
	})
}
