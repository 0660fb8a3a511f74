package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(secret, "u1", "Alex", "admin", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
}

func TestParseTokenRejects(t *testing.T) {
	expired, err := GenerateToken(secret, "u1", "Alex", "admin", -time.Minute)
	require.NoError(t, err)

	wrongKey, err := GenerateToken([]byte("other"), "u1", "Alex", "admin", time.Hour)
	require.NoError(t, err)

	noRole, err := GenerateToken(secret, "u1", "Alex", "", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", wrongKey},
		{"missing role", noRole},
		{"unsigned", none},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
