package middleware

import (
	"context"
	"fmt"
	"net/http"
)

const (
	tenantKey contextKey = "tenant_context"
	// TenantHeader carries the requested tenant; membership is verified
	// downstream by the gate, the header only selects.
	TenantHeader = "X-Tenant-Context"
)

// TenantMiddleware extracts the requested tenant id from the header and
// injects it into the context. Returns 400 when the header is missing.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", TenantHeader), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantFromContext retrieves the requested (not yet authorized) tenant.
func GetTenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(tenantKey)
	if val == nil {
		return "", fmt.Errorf("tenant context not found")
	}
	tenantID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("tenant context is not a string")
	}
	return tenantID, nil
}
