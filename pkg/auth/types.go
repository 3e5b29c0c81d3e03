package auth

import (
	"errors"
	"time"
)

// Role represents gateway-level roles
type Role string

const (
	// RoleProxyAdmin has full access including key management and spend
	RoleProxyAdmin Role = "proxy_admin"
	// RoleInternalUser can call inference endpoints and view its own keys
	RoleInternalUser Role = "internal_user"
	// RoleViewer has read-only access to spend reports
	RoleViewer Role = "viewer"
)

// VirtualKey is a stored gateway key. The plaintext key is never persisted.
type VirtualKey struct {
	ID                  int64                  `json:"id"`
	KeyHash             string                 `json:"-"`
	KeyPrefix           string                 `json:"key_prefix"`
	KeyName             string                 `json:"key_name,omitempty"`
	UserID              string                 `json:"user_id,omitempty"`
	TeamID              string                 `json:"team_id,omitempty"`
	MaxBudget           *float64               `json:"max_budget,omitempty"`
	Spend               float64                `json:"spend"`
	BudgetDuration      string                 `json:"budget_duration,omitempty"`
	BudgetResetAt       *time.Time             `json:"budget_reset_at,omitempty"`
	TPMLimit            *int64                 `json:"tpm_limit,omitempty"`
	RPMLimit            *int64                 `json:"rpm_limit,omitempty"`
	MaxParallelRequests *int                   `json:"max_parallel_requests,omitempty"`
	AllowedModels       []string               `json:"allowed_models,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	ExpiresAt           *time.Time             `json:"expires_at,omitempty"`
	RevokedAt           *time.Time             `json:"revoked_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// IsRevoked reports whether the key has been revoked
func (k *VirtualKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key has passed its expiration
func (k *VirtualKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// OverBudget reports whether accumulated spend has reached the budget
func (k *VirtualKey) OverBudget() bool {
	return k.MaxBudget != nil && k.Spend >= *k.MaxBudget
}

// ModelAllowed reports whether the key may call the given model alias.
// An empty allow-list permits every configured model.
func (k *VirtualKey) ModelAllowed(alias string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == alias || m == "*" {
			return true
		}
	}
	return false
}

// AuthContext is the resolved identity for one request
type AuthContext struct {
	// IsMasterKey is true when the request authenticated with the master key
	IsMasterKey bool
	// Key is the virtual key, nil for master key requests
	Key *VirtualKey
	// UserID is the owning user, or the admin ID for master key requests
	UserID string
	// Role is the effective role
	Role Role
}

// IsAdmin reports whether the request may manage keys and view all spend
func (a *AuthContext) IsAdmin() bool {
	return a.IsMasterKey || a.Role == RoleProxyAdmin
}

// KeyHash returns the hash of the authenticated key, or "" for master key
func (a *AuthContext) KeyHash() string {
	if a.Key == nil {
		return ""
	}
	return a.Key.KeyHash
}

// GenerateKeyRequest are the caller-supplied parameters for a new key
type GenerateKeyRequest struct {
	KeyName             string                 `json:"key_name,omitempty"`
	UserID              string                 `json:"user_id,omitempty"`
	TeamID              string                 `json:"team_id,omitempty"`
	MaxBudget           *float64               `json:"max_budget,omitempty"`
	BudgetDuration      string                 `json:"budget_duration,omitempty"`
	Duration            string                 `json:"duration,omitempty"`
	TPMLimit            *int64                 `json:"tpm_limit,omitempty"`
	RPMLimit            *int64                 `json:"rpm_limit,omitempty"`
	MaxParallelRequests *int                   `json:"max_parallel_requests,omitempty"`
	AllowedModels       []string               `json:"models,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// GenerateKeyResponse returns the one-time plaintext key
type GenerateKeyResponse struct {
	Key       string     `json:"key"`
	KeyPrefix string     `json:"key_prefix"`
	KeyName   string     `json:"key_name,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	MaxBudget *float64   `json:"max_budget,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validation errors returned by KeyManager.Validate
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrKeyRevoked      = errors.New("key has been revoked")
	ErrKeyExpired      = errors.New("key has expired")
	ErrBudgetExceeded  = errors.New("key budget exceeded")
	ErrModelNotAllowed = errors.New("model not allowed for this key")
)
