// Package auth implements JWT + one-time-password authentication for the
// admin-mutating endpoints of the read API: a single operator logs in with
// a password and a TOTP code, receiving a bearer token that gates
// start/stop and symbol-set edits.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the JWT payload issued on a successful login.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Manager issues and validates operator session tokens against one JWT
// secret, tracking a revocation blacklist for explicit logout.
type Manager struct {
	secret []byte
	ttl    time.Duration

	mu        sync.Mutex
	blacklist map[string]time.Time // token -> expiry, swept lazily
}

// New constructs a Manager. ttl defaults to 24h when zero.
func New(secret string, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret:    []byte(secret),
		ttl:       ttl,
		blacklist: make(map[string]time.Time),
	}
}

// HashPassword bcrypt-hashes an operator password for storage in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies a plaintext password against its stored bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateOTPSecret provisions a new base32 TOTP secret.
func GenerateOTPSecret(issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: accountName})
	if err != nil {
		return "", fmt.Errorf("generate OTP secret: %w", err)
	}
	return key.Secret(), nil
}

// GetOTPQRCodeURL returns the otpauth:// URL an authenticator app scans.
func GetOTPQRCodeURL(secret, issuer, accountName string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s", issuer, accountName, secret, issuer)
}

// VerifyOTP checks a 6-digit TOTP code against the stored secret.
func VerifyOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GenerateJWT issues a signed token for the given subject.
func (m *Manager) GenerateJWT(subject string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.ttl)
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign JWT: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateJWT parses and verifies a token, rejecting blacklisted ones.
func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	if m.IsTokenBlacklisted(tokenString) {
		return nil, fmt.Errorf("token has been revoked")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// BlacklistToken revokes a token ahead of its natural expiry (logout).
func (m *Manager) BlacklistToken(tokenString string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.blacklist[tokenString] = expiresAt
}

// IsTokenBlacklisted reports whether a token was explicitly revoked.
func (m *Manager) IsTokenBlacklisted(tokenString string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, revoked := m.blacklist[tokenString]
	if !revoked {
		return false
	}
	return time.Now().Before(expiresAt)
}

// sweepLocked drops expired blacklist entries. Caller must hold mu.
func (m *Manager) sweepLocked() {
	now := time.Now()
	for token, expiresAt := range m.blacklist {
		if now.After(expiresAt) {
			delete(m.blacklist, token)
		}
	}
}
