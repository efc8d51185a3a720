// Package scope carries the verified tenant identity and the correlation id
// through context across every call boundary of the pipeline.
package scope

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	correlationKey
	credentialKey
)

// DefaultCredential is used for rate limiting when the caller did not present one.
const DefaultCredential = "default"

// WithTenant returns a context carrying the tenant identity.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantID returns the tenant carried by ctx, or "" if none.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// CorrelationID returns the correlation id carried by ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation id, otherwise a derived context with a fresh one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if cid := CorrelationID(ctx); cid != "" {
		return ctx, cid
	}
	cid := NewCorrelationID()
	return WithCorrelationID(ctx, cid), cid
}

// NewCorrelationID generates a random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCredential returns a context carrying the caller credential used as the
// second rate-limit dimension.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

// Credential returns the caller credential, or DefaultCredential.
func Credential(ctx context.Context) string {
	if v, _ := ctx.Value(credentialKey).(string); v != "" {
		return v
	}
	return DefaultCredential
}

// Capture extracts tenant and correlation id from the context so they can be
// handed to work that outlives the caller.
func Capture(ctx context.Context) (tenantID, correlationID string) {
	return TenantID(ctx), CorrelationID(ctx)
}

// Restore injects tenant and correlation id into the context.
// Empty values are skipped.
func Restore(ctx context.Context, tenantID, correlationID string) context.Context {
	if tenantID != "" {
		ctx = WithTenant(ctx, tenantID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}
