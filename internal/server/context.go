package server

import "context"

// tenantIDContextKey is the context key for the tenant ID.
type tenantIDContextKey struct{}

// WithTenantID returns a new context with the tenant ID attached.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey{}, id)
}

// TenantIDFromContext extracts the tenant ID from the context, or "" if
// absent.
func TenantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDContextKey{}).(string)
	return id
}
