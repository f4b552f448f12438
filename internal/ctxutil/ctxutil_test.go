package ctxutil

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kaiwa/internal/auth"
)

func TestWithClaimsDerivesPrincipal(t *testing.T) {
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ada"}, TenantID: "acme"}
	ctx := WithClaims(context.Background(), claims)

	assert.Same(t, claims, ClaimsFromContext(ctx))
	p, ok := PrincipalFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, Principal{TenantID: "acme", UserID: "ada"}, p)
}

func TestPrincipalMissing(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	_, ok = PrincipalFromContext(WithPrincipal(context.Background(), Principal{TenantID: "acme"}))
	assert.False(t, ok, "partial principal is not authenticated")
	assert.Nil(t, ClaimsFromContext(context.Background()))
}
