package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_RoundTrips(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse battery staple", hash))
	assert.False(t, CheckPassword("wrong password", hash))
}

func TestGenerateAndVerifyOTP(t *testing.T) {
	secret, err := GenerateOTPSecret("sentrypd", "operator")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	assert.True(t, VerifyOTP(secret, code))
	assert.False(t, VerifyOTP(secret, "000000"))
}

func TestGenerateAndValidateJWT_RoundTrips(t *testing.T) {
	m := New("test-secret", time.Hour)
	token, expiresAt, err := m.GenerateJWT("operator")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	claims, err := m.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
}

func TestValidateJWT_RejectsTamperedToken(t *testing.T) {
	m := New("test-secret", time.Hour)
	token, _, err := m.GenerateJWT("operator")
	require.NoError(t, err)

	_, err = m.ValidateJWT(token + "tampered")
	assert.Error(t, err)
}

func TestValidateJWT_RejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a", time.Hour)
	verifier := New("secret-b", time.Hour)

	token, _, err := issuer.GenerateJWT("operator")
	require.NoError(t, err)

	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
}

func TestBlacklistToken_RejectsRevokedToken(t *testing.T) {
	m := New("test-secret", time.Hour)
	token, expiresAt, err := m.GenerateJWT("operator")
	require.NoError(t, err)

	assert.False(t, m.IsTokenBlacklisted(token))
	m.BlacklistToken(token, expiresAt)
	assert.True(t, m.IsTokenBlacklisted(token))

	_, err = m.ValidateJWT(token)
	assert.Error(t, err)
}

func TestIsTokenBlacklisted_ExpiresEntriesOverTime(t *testing.T) {
	m := New("test-secret", time.Hour)
	m.BlacklistToken("short-lived", time.Now().Add(10*time.Millisecond))
	assert.True(t, m.IsTokenBlacklisted("short-lived"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.IsTokenBlacklisted("short-lived"))
}
