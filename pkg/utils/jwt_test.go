package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("svc-bot", "tenant-1", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "svc-bot", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("viewer"))
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	SetSecret("one")
	token, err := GenerateToken("svc-bot", "tenant-1", nil, time.Hour)
	require.NoError(t, err)

	SetSecret("two")
	_, err = ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	SetSecret("test-secret")
	token, err := GenerateToken("svc-bot", "tenant-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(token)
	assert.Error(t, err)
}
