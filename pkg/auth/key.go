package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// KeyPrefix identifies gateway virtual keys
	KeyPrefix = "gk_"
	// KeyLength is the number of random bytes per key (256 bits)
	KeyLength = 32
)

// KeyGenerator generates and hashes virtual keys. Hashes are salted so a
// leaked database dump cannot be checked against captured plaintext keys
// without the salt, which lives only in the environment.
type KeyGenerator struct {
	salt string
}

// NewKeyGenerator creates a key generator with the given salt
func NewKeyGenerator(salt string) *KeyGenerator {
	return &KeyGenerator{salt: salt}
}

// GenerateKey creates a new virtual key
// Format: gk_<base64url(32 random bytes)>
func (kg *KeyGenerator) GenerateKey() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullKey := KeyPrefix + encoded

	// Prefix (first 8 chars after "gk_") is stored for display in key lists
	prefix := KeyPrefix
	if len(encoded) >= 8 {
		prefix = KeyPrefix + encoded[:8]
	}

	return fullKey, kg.HashKey(fullKey), prefix, nil
}

// HashKey computes the salted SHA-256 hash of a key for storage and lookup
func (kg *KeyGenerator) HashKey(key string) string {
	hash := sha256.Sum256([]byte(kg.salt + key))
	return hex.EncodeToString(hash[:])
}

// MatchesFormat reports whether a bearer token looks like a virtual key
func MatchesFormat(token string) bool {
	return strings.HasPrefix(token, KeyPrefix) && len(token) > len(KeyPrefix)+8
}

// ParseKeyDuration parses durations like "30s", "30m", "30h", "30d".
// Day units are not understood by time.ParseDuration, so they are handled
// here before falling through.
func ParseKeyDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
