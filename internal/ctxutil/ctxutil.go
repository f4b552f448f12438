// Package ctxutil provides shared context key accessors.
//
// server imports mcp to mount the MCP control server, and mcp needs the
// principal that server's auth middleware resolved. Both import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kaiwa/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyPrincipal contextKey = "principal"
)

// Principal is the tenant and user a request acts for.
type Principal struct {
	TenantID string
	UserID   string
}

// WithClaims returns a new context carrying verified token claims and the
// principal derived from them.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return WithPrincipal(ctx, Principal{TenantID: claims.TenantID, UserID: claims.UserID()})
}

// WithPrincipal returns a new context carrying p. Used directly when
// authentication is disabled and the principal comes from dev headers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// PrincipalFromContext extracts the principal. ok is false for
// unauthenticated contexts.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(keyPrincipal).(Principal)
	return p, ok && p.TenantID != "" && p.UserID != ""
}
