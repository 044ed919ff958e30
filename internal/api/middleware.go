/**
 * @description
 * Authentication middleware for the ledger-service. Callers present an HS256 bearer token
 * whose `email` claim identifies the customer; handlers read it back with GetCallerEmail.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For token parsing and signature verification.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerEmailKey contextKey = "callerEmail"

// JWTAuthMiddleware validates bearer tokens signed with secret. When issuer is set the
// token's `iss` claim must match it.
func JWTAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if len(key) == 0 {
					return nil, fmt.Errorf("token verification key is not configured")
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Invalid token")
				return
			}

			if issuer != "" {
				if iss, _ := claims.GetIssuer(); iss != issuer {
					writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Invalid issuer")
					return
				}
			}

			email, _ := claims["email"].(string)
			email = strings.ToLower(strings.TrimSpace(email))
			if email == "" || !strings.Contains(email, "@") {
				writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Email not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), callerEmailKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerEmail retrieves the authenticated caller's email from the request context.
func GetCallerEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(callerEmailKey).(string)
	return email, ok && email != ""
}
