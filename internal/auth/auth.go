// Package auth проверяет JWT-токены и определяет владельца запроса.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken возвращается для неподписанного, просроченного или неполного токена.
var ErrInvalidToken = errors.New("invalid token")

// Role определяет права владельца токена.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal — проверенная личность владельца запроса.
// Значение с непустым владельцем создаётся только JWTVerifier.
type Principal struct {
	ownerID string
	role    Role
}

// OwnerID возвращает идентификатор владельца кошельков.
func (p Principal) OwnerID() string { return p.ownerID }

func (p Principal) Role() Role { return p.role }

func (p Principal) IsAdmin() bool { return p.role == RoleAdmin }

// Claims — набор утверждений токена.
type Claims struct {
	Role Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier проверяет и выпускает токены HS256.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier создаёт верификатор с общим секретом. При пустом секрете используется случайный ключ,
// и принимаются только токены, выпущенные этим процессом.
func NewJWTVerifier(secret string) *JWTVerifier {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("generate jwt key: %v", err))
		}
	}
	return &JWTVerifier{secret: key, leeway: 5 * time.Second}
}

// Verify проверяет подпись и срок действия токена и возвращает его владельца.
func (v *JWTVerifier) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway))
	if err != nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	switch role {
	case "":
		role = RoleUser
	case RoleUser, RoleAdmin:
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return Principal{ownerID: claims.Subject, role: role}, nil
}

// Issue выпускает токен для владельца с указанной ролью.
func (v *JWTVerifier) Issue(ownerID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal сохраняет владельца запроса в контексте.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext извлекает владельца запроса из контекста.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.ownerID == "" {
		return Principal{}, false
	}
	return p, true
}
