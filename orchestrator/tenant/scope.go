package tenant

import (
	"context"
	"fmt"
)

// Scope carries the per-operation filter variables every data-plane query
// must be bound to. It travels on the request context, never on a shared
// connection or a process-wide global.
type Scope struct {
	TenantID string
	UserID   string
}

// IsSet reports whether both filter variables are bound.
func (s Scope) IsSet() bool {
	return s.TenantID != "" && s.UserID != ""
}

type scopeContextKey struct{}

// ErrScopeMismatch is returned when a nested Bind attempts to rebind the
// scope with different values. Nesting with identical values is a no-op.
var ErrScopeMismatch = fmt.Errorf("tenant: nested scope mismatch")

// ErrScopeUnset is returned by scope-consuming code when no scope is bound.
var ErrScopeUnset = fmt.Errorf("tenant: filter scope not bound")

// Bind attaches the scope to the context for the duration of one operation.
// Rebinding with identical values is allowed (reentrancy); rebinding with
// different values is a hard error.
func Bind(ctx context.Context, scope Scope) (context.Context, error) {
	if !scope.IsSet() {
		return nil, ErrScopeUnset
	}
	if existing, ok := ctx.Value(scopeContextKey{}).(Scope); ok {
		if existing != scope {
			return nil, fmt.Errorf("%w: bound %s/%s, requested %s/%s",
				ErrScopeMismatch, existing.TenantID, existing.UserID, scope.TenantID, scope.UserID)
		}
		return ctx, nil
	}
	return context.WithValue(ctx, scopeContextKey{}, scope), nil
}

// FromContext retrieves the bound scope. Repositories call this and refuse
// to run queries when it fails.
func FromContext(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok || !scope.IsSet() {
		return Scope{}, ErrScopeUnset
	}
	return scope, nil
}

// WithScope binds the scope, runs fn, and guarantees the scope does not
// outlive the call on any exit path. The derived context is discarded when
// fn returns, so concurrent operations can never observe each other's scope.
func WithScope(ctx context.Context, tenantID, userID string, fn func(ctx context.Context) error) error {
	scoped, err := Bind(ctx, Scope{TenantID: tenantID, UserID: userID})
	if err != nil {
		return err
	}
	return fn(scoped)
}
