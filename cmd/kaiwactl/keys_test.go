package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/auth"
)

func TestKeygenAndToken(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, err := writeKeyPair(dir)
	require.NoError(t, err)

	_, _, err = writeKeyPair(dir)
	assert.ErrorContains(t, err, "already exists")

	keyDir, tokenTenant, tokenUser, tokenLifetime = dir, "acme", "ada", time.Hour
	var out bytes.Buffer
	require.NoError(t, issueToken(&out))

	verifier, err := auth.NewJWTManager("", filepath.Join(dir, "jwt_public.pem"), time.Hour)
	require.NoError(t, err)
	claims, err := verifier.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "ada", claims.UserID())

	assert.FileExists(t, privPath)
	assert.FileExists(t, pubPath)
}
