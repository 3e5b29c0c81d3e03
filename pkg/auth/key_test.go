package auth

import (
	"strings"
	"testing"
	"time"
)

func TestKeyGenerator_GenerateKey(t *testing.T) {
	kg := NewKeyGenerator("test-salt")

	key, keyHash, keyPrefix, err := kg.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("Key should start with %q, got %q", KeyPrefix, key)
	}

	// SHA256 = 64 hex chars
	if len(keyHash) != 64 {
		t.Errorf("KeyHash length = %d, want 64", len(keyHash))
	}

	if !strings.HasPrefix(keyPrefix, KeyPrefix) {
		t.Errorf("KeyPrefix should start with %q, got %q", KeyPrefix, keyPrefix)
	}

	if len(key) < len(KeyPrefix)+8 {
		t.Errorf("Key too short: %d chars", len(key))
	}

	if kg.HashKey(key) != keyHash {
		t.Error("HashKey of generated key should match returned hash")
	}
}

func TestKeyGenerator_GenerateKey_Uniqueness(t *testing.T) {
	kg := NewKeyGenerator("test-salt")

	keys := make(map[string]bool)
	hashes := make(map[string]bool)

	for i := 0; i < 100; i++ {
		key, keyHash, _, err := kg.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error = %v", err)
		}

		if keys[key] {
			t.Errorf("Duplicate key generated: %s", key)
		}
		if hashes[keyHash] {
			t.Errorf("Duplicate key hash generated: %s", keyHash)
		}

		keys[key] = true
		hashes[keyHash] = true
	}
}

func TestKeyGenerator_HashKey_SaltDependence(t *testing.T) {
	key := "gk_test123456789"

	kg1 := NewKeyGenerator("salt-one")
	kg2 := NewKeyGenerator("salt-two")

	if kg1.HashKey(key) != kg1.HashKey(key) {
		t.Error("Same key and salt should produce same hash")
	}
	if kg1.HashKey(key) == kg2.HashKey(key) {
		t.Error("Different salts should produce different hashes")
	}
	if len(kg1.HashKey(key)) != 64 {
		t.Errorf("Hash length = %d, want 64", len(kg1.HashKey(key)))
	}
}

func TestMatchesFormat(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"gk_abcdefghij1234567890", true},
		{"gk_short", false},
		{"sk-openai-style-key", false},
		{"", false},
		{"sk_abcdefghij", false},
	}

	for _, tc := range cases {
		if got := MatchesFormat(tc.token); got != tc.want {
			t.Errorf("MatchesFormat(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestParseKeyDuration(t *testing.T) {
	cases := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"15m", 15 * time.Minute, false},
		{"24h", 24 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"", 0, true},
		{"abc", 0, true},
		{"xd", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseKeyDuration(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseKeyDuration(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKeyDuration(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKeyDuration(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestVirtualKey_Checks(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	budget := 10.0

	k := &VirtualKey{}
	if k.IsRevoked() || k.IsExpired() || k.OverBudget() {
		t.Error("zero-value key should pass all checks")
	}

	k = &VirtualKey{RevokedAt: &past}
	if !k.IsRevoked() {
		t.Error("key with revoked_at should be revoked")
	}

	k = &VirtualKey{ExpiresAt: &past}
	if !k.IsExpired() {
		t.Error("key expired in the past should be expired")
	}

	k = &VirtualKey{ExpiresAt: &future}
	if k.IsExpired() {
		t.Error("key expiring in the future should not be expired")
	}

	k = &VirtualKey{MaxBudget: &budget, Spend: 10.0}
	if !k.OverBudget() {
		t.Error("spend at budget should be over budget")
	}

	k = &VirtualKey{MaxBudget: &budget, Spend: 9.99}
	if k.OverBudget() {
		t.Error("spend below budget should not be over budget")
	}
}

func TestVirtualKey_ModelAllowed(t *testing.T) {
	k := &VirtualKey{}
	if !k.ModelAllowed("gpt-4o") {
		t.Error("empty allow-list should permit any model")
	}

	k = &VirtualKey{AllowedModels: []string{"gpt-4o", "claude"}}
	if !k.ModelAllowed("claude") {
		t.Error("listed model should be allowed")
	}
	if k.ModelAllowed("gemini-flash") {
		t.Error("unlisted model should be rejected")
	}

	k = &VirtualKey{AllowedModels: []string{"*"}}
	if !k.ModelAllowed("anything") {
		t.Error("wildcard should permit any model")
	}
}
