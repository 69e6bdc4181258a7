package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell07/multi-tenant-ai/internal/auth"
)

func TestGenerateThenVerifyRoundTrip(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)

	token, err := manager.Generate("org1", "user1", "admin")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "org1", claims.OrgID)
	assert.Equal(t, "user1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer := auth.NewJWTManager("secret-a", time.Hour)
	verifier := auth.NewJWTManager("secret-b", time.Hour)

	token, err := issuer.Generate("org1", "user1", "member")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", -time.Hour)

	token, err := manager.Generate("org1", "user1", "member")
	require.NoError(t, err)

	_, err = manager.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)
	_, err := manager.Verify("not-a-jwt")
	assert.Error(t, err)
}
