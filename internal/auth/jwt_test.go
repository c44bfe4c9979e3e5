package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.Generate("payment-gateway", "caller")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "payment-gateway", claims.ServiceName)
	assert.Equal(t, "caller", claims.Role)
	assert.Equal(t, "payment-gateway", claims.Subject)
}

func TestValidateExpiredToken(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)

	token, err := m.Generate("payment-gateway", "caller")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateWrongSecret(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	other := NewJWTManager("different-secret", time.Hour)

	token, err := m.Generate("payment-gateway", "caller")
	require.NoError(t, err)

	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	_, err := m.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashAPIKeyRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("executor-key")
	require.NoError(t, err)
	assert.NotEqual(t, "executor-key", hash)
}
