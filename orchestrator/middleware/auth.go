package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/InsightForge/orchestrator/auth"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// contextKey is a strict type for context keys to prevent collisions.
type contextKey string

const (
	principalKey contextKey = "principal"
)

// AuthMiddleware enforces bearer-token authentication and injects the
// verified Principal into the request context. Fails fast on missing or
// malformed headers.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		principal, err := auth.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipalFromContext retrieves the verified principal.
func GetPrincipalFromContext(ctx context.Context) (*tenant.Principal, error) {
	val := ctx.Value(principalKey)
	if val == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	principal, ok := val.(*tenant.Principal)
	if !ok {
		return nil, fmt.Errorf("principal in context has wrong type")
	}
	return principal, nil
}
