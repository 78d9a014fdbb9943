// Package keys generates and hashes gateway bearer secrets.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
)

const (
	// SecretPrefix marks gateway secrets so they are easy to spot in logs and configs
	SecretPrefix = "sk-"

	// secretBytes is the entropy of a generated secret (256 bits)
	secretBytes = 32

	displayPrefixLen = 8
)

// Spec describes the policy of a key to issue
type Spec struct {
	Name             string
	OwnerID          *string
	AllowedModels    models.ModelSet
	ConcurrencyLimit int
	RateLimitRPM     int
	MonthlyBudget    decimal.NullDecimal
}

// Generate returns a new random bearer secret
func Generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the hex sha256 digest stored in place of the secret
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Matches compares a stored digest with the digest of secret in constant time
func Matches(storedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(Hash(secret))) == 1
}

// Issue creates a new key record together with its plaintext secret. The
// returned IssuedKey is the only place the secret ever appears.
func Issue(spec Spec, now time.Time) (*models.IssuedKey, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if spec.ConcurrencyLimit < 0 || spec.RateLimitRPM < 0 {
		return nil, fmt.Errorf("limits must not be negative")
	}
	if spec.MonthlyBudget.Valid && spec.MonthlyBudget.Decimal.IsNegative() {
		return nil, fmt.Errorf("monthly budget must not be negative")
	}

	secret, err := Generate()
	if err != nil {
		return nil, err
	}

	key := &models.APIKey{
		ID:               uuid.NewString(),
		KeyHash:          Hash(secret),
		KeyPrefix:        secret[:displayPrefixLen],
		OwnerID:          spec.OwnerID,
		Name:             strings.TrimSpace(spec.Name),
		IsActive:         true,
		AllowedModels:    spec.AllowedModels,
		ConcurrencyLimit: spec.ConcurrencyLimit,
		RateLimitRPM:     spec.RateLimitRPM,
		MonthlyBudget:    spec.MonthlyBudget,
		CreatedAt:        now.UTC(),
	}

	return &models.IssuedKey{Key: key, Secret: secret}, nil
}

// ParseBearer extracts the secret from an Authorization header value.
// ok is false when the header is missing or not a bearer credential.
func ParseBearer(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
