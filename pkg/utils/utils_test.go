package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt([]byte("ya29.token"), testKey)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ya29")

	again, err := Encrypt([]byte("ya29.token"), testKey)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := Decrypt(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", plain)
}

func TestDecryptFailures(t *testing.T) {
	sealed, err := Encrypt([]byte("secret"), testKey)
	require.NoError(t, err)

	_, err = Decrypt(sealed, []byte("fedcba9876543210fedcba9876543210"))
	assert.Error(t, err)

	_, err = Decrypt("AAAA", testKey)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = Decrypt("not base64!", testKey)
	assert.Error(t, err)

	_, err = Encrypt([]byte("x"), []byte("short"))
	assert.Error(t, err)
}

func signToken(t *testing.T, secret, issuer string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestValidateToken(t *testing.T) {
	token := signToken(t, "jwt-secret", TokenIssuer, time.Hour)

	claims, err := ValidateToken("jwt-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)

	_, err = ValidateToken("other-secret", token)
	assert.Error(t, err)

	_, err = ValidateToken("jwt-secret", signToken(t, "jwt-secret", TokenIssuer, -time.Minute))
	assert.Error(t, err)

	_, err = ValidateToken("jwt-secret", signToken(t, "jwt-secret", "someone-else", time.Hour))
	assert.Error(t, err)
}
