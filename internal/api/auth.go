package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the authenticated user, or "" when auth is disabled.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// ValidateToken checks an HS256 bearer token and returns its subject.
func ValidateToken(secret, tokenString string) (string, error) {
	if tokenString == "" {
		return "", eris.New("api: empty token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("api: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", eris.Wrap(err, "api: parse token")
	}
	if !token.Valid {
		return "", eris.New("api: invalid token")
	}
	if claims.Subject == "" {
		return "", eris.New("api: token has no subject")
	}
	return claims.Subject, nil
}

// authenticate requires a bearer token signed with secret and puts its
// subject on the request context.
func authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			sub, err := ValidateToken(secret, parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, sub)))
		})
	}
}
