package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/crmrag/internal/models"
)

type ctxKey struct{}

// Claims carried by access tokens. Tokens are issued outside this service.
type Claims struct {
	UserID       string `json:"user_id"`
	TeamID       string `json:"team_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTMiddleware validates the Authorization header and attaches the caller's
// scope to the request context.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or invalid token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if claims.UserID == "" {
				unauthorized(w, "invalid token claims")
				return
			}

			scope := models.Scope{OwnerID: claims.UserID, TeamID: claims.TeamID, DepartmentID: claims.DepartmentID}
			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope)))
		})
	}
}

// WithScope stores scope in ctx.
func WithScope(ctx context.Context, scope models.Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope)
}

// ScopeFromContext returns the caller scope set by JWTMiddleware.
func ScopeFromContext(ctx context.Context) (models.Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(models.Scope)
	return s, ok && s.OwnerID != ""
}

// IssueToken signs a token for scope. Used by the CLI for local testing.
func IssueToken(secret string, scope models.Scope, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := Claims{
		UserID:       scope.OwnerID,
		TeamID:       scope.TeamID,
		DepartmentID: scope.DepartmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"unauthorized"}`))
}
