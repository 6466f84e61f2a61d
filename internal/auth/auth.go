// Package auth issues and validates the two credentials perchd knows:
// user bearer tokens (JWT) and the per-deployment agent shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehrlich-b/perch/internal/store"
)

const (
	jwtSecretKey   = "jwt_secret"
	agentSecretKey = "agent_secret"

	// TokenTTL bounds how long an issued user token stays valid.
	TokenTTL = 30 * 24 * time.Hour
)

// Claims are the JWT claims for an observer connection.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateOrLoadSecret returns a stable secret for the given config key.
// Priority: env override > stored value > auto-generate and persist.
// Stability across restarts is what keeps issued tokens and agent
// reattachment working after a perchd restart.
func GenerateOrLoadSecret(st *store.Store, key, envSecret string) ([]byte, error) {
	if envSecret != "" {
		return base64.StdEncoding.DecodeString(envSecret)
	}

	val, err := st.GetConfig(key)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret %s: %w", key, err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := st.SetConfig(key, encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// LoadJWTSecret returns the token-signing secret.
func LoadJWTSecret(st *store.Store, envSecret string) ([]byte, error) {
	return GenerateOrLoadSecret(st, jwtSecretKey, envSecret)
}

// LoadAgentSecret returns the shared secret agent processes present.
func LoadAgentSecret(st *store.Store, envSecret string) ([]byte, error) {
	return GenerateOrLoadSecret(st, agentSecretKey, envSecret)
}

// IssueToken creates a signed bearer token for a user.
func IssueToken(secret []byte, userID string) (string, time.Time, error) {
	exp := time.Now().Add(TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies a bearer token and returns the user ID it names.
func ValidateToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}

// CheckAgentSecret compares a presented agent secret in constant time.
func CheckAgentSecret(secret []byte, presented string) bool {
	decoded, err := base64.StdEncoding.DecodeString(presented)
	if err != nil {
		return false
	}
	return hmac.Equal(secret, decoded)
}

// EncodeSecret renders a secret the way agents present it.
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// HashPassword hashes the operator password for storage in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies the operator password against its stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
