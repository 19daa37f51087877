// Package tenant binds the active tenant to an execution and guards
// tenant-scoped operations against running without one.
//
// The binding lives in a context.Context, so it follows the logical task
// through every call and goroutine that receives the context. Rebinding
// produces a derived context; the caller's context keeps its own value,
// which is what restores the outer binding when an inner scope returns.
package tenant

import (
	"context"
	"strings"

	"github.com/punchamoorthee/tenantledger/internal/apperr"
)

type contextKey struct{}

// WithID returns a copy of ctx bound to tenantID.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// Run executes fn with tenantID bound for the duration of the call.
// An empty tenantID is rejected before fn runs.
func Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.ErrTenantContextMissing
	}
	return fn(WithID(ctx, tenantID))
}

// ID returns the tenant bound to ctx, if any.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Require returns the bound tenant or ErrTenantContextMissing.
func Require(ctx context.Context) (string, error) {
	id, ok := ID(ctx)
	if !ok {
		return "", apperr.ErrTenantContextMissing
	}
	return id, nil
}
