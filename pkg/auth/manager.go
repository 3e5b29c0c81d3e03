package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/observability"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 30 * time.Second

	redisKeyPrefix = "gantry:vkey:"
)

// KeyManagerOptions configures optional caching and generation bounds
type KeyManagerOptions struct {
	// Redis enables a shared validation cache across gateway replicas
	Redis *redis.Client
	// Upperbound caps caller-supplied key parameters
	Upperbound *config.UpperboundKeyParams
	// CacheSize and CacheTTL tune the in-process validation cache
	CacheSize int
	CacheTTL  time.Duration

	Metrics *observability.Metrics
}

// KeyManager persists and validates virtual keys against Postgres, with an
// in-process LRU in front and Redis (when configured) shared across replicas.
type KeyManager struct {
	db         *sql.DB
	gen        *KeyGenerator
	cache      *lru.LRU[string, *VirtualKey]
	redis      *redis.Client
	cacheTTL   time.Duration
	upperbound *config.UpperboundKeyParams
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewKeyManager creates a key manager
func NewKeyManager(db *sql.DB, gen *KeyGenerator, logger *observability.Logger, opts KeyManagerOptions) *KeyManager {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &KeyManager{
		db:         db,
		gen:        gen,
		cache:      lru.NewLRU[string, *VirtualKey](size, nil, ttl),
		redis:      opts.Redis,
		cacheTTL:   ttl,
		upperbound: opts.Upperbound,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

const virtualKeyColumns = `id, key_hash, key_prefix, COALESCE(key_name, ''), COALESCE(user_id, ''),
	COALESCE(team_id, ''), max_budget, spend, COALESCE(budget_duration, ''), budget_reset_at,
	tpm_limit, rpm_limit, max_parallel_requests, allowed_models, metadata,
	expires_at, revoked_at, created_at, updated_at`

func scanVirtualKey(row *sql.Row) (*VirtualKey, error) {
	var k VirtualKey
	var allowedModels pq.StringArray
	var metadata []byte

	err := row.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.KeyName, &k.UserID,
		&k.TeamID, &k.MaxBudget, &k.Spend, &k.BudgetDuration, &k.BudgetResetAt,
		&k.TPMLimit, &k.RPMLimit, &k.MaxParallelRequests, &allowedModels, &metadata,
		&k.ExpiresAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	k.AllowedModels = []string(allowedModels)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &k.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode key metadata: %w", err)
		}
	}
	return &k, nil
}

// GenerateKey creates and stores a new virtual key, applying the configured
// upper bounds. Callers asking for more than the bound get the bound, not an
// error, so self-service key creation stays usable.
func (km *KeyManager) GenerateKey(ctx context.Context, req *GenerateKeyRequest) (*GenerateKeyResponse, error) {
	km.applyUpperbound(req)

	key, keyHash, keyPrefix, err := km.gen.GenerateKey()
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if req.Duration != "" {
		d, err := ParseKeyDuration(req.Duration)
		if err != nil {
			return nil, err
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	var budgetResetAt *time.Time
	if req.BudgetDuration != "" {
		d, err := ParseKeyDuration(req.BudgetDuration)
		if err != nil {
			return nil, err
		}
		t := time.Now().Add(d)
		budgetResetAt = &t
	}

	var metadata []byte
	if req.Metadata != nil {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key metadata: %w", err)
		}
	}

	_, err = km.db.ExecContext(ctx, `
		INSERT INTO virtual_keys (
			key_hash, key_prefix, key_name, user_id, team_id,
			max_budget, budget_duration, budget_reset_at,
			tpm_limit, rpm_limit, max_parallel_requests,
			allowed_models, metadata, expires_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)`,
		keyHash, keyPrefix, req.KeyName, req.UserID, req.TeamID,
		req.MaxBudget, req.BudgetDuration, budgetResetAt,
		req.TPMLimit, req.RPMLimit, req.MaxParallelRequests,
		pq.Array(req.AllowedModels), metadata, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert key: %w", err)
	}

	km.logger.WithFields(map[string]interface{}{
		"key_prefix": keyPrefix,
		"user_id":    req.UserID,
	}).Info("generated virtual key")

	return &GenerateKeyResponse{
		Key:       key,
		KeyPrefix: keyPrefix,
		KeyName:   req.KeyName,
		UserID:    req.UserID,
		MaxBudget: req.MaxBudget,
		ExpiresAt: expiresAt,
	}, nil
}

// applyUpperbound clamps requested parameters to the configured maximums
func (km *KeyManager) applyUpperbound(req *GenerateKeyRequest) {
	ub := km.upperbound
	if ub == nil {
		return
	}

	if ub.MaxBudget != nil && (req.MaxBudget == nil || *req.MaxBudget > *ub.MaxBudget) {
		req.MaxBudget = ub.MaxBudget
	}
	if ub.TPMLimit != nil && (req.TPMLimit == nil || *req.TPMLimit > *ub.TPMLimit) {
		req.TPMLimit = ub.TPMLimit
	}
	if ub.RPMLimit != nil && (req.RPMLimit == nil || *req.RPMLimit > *ub.RPMLimit) {
		req.RPMLimit = ub.RPMLimit
	}
	if ub.MaxParallelRequests != nil && (req.MaxParallelRequests == nil || *req.MaxParallelRequests > *ub.MaxParallelRequests) {
		req.MaxParallelRequests = ub.MaxParallelRequests
	}
	if ub.Duration != "" {
		max, err := ParseKeyDuration(ub.Duration)
		if err == nil {
			requested, rerr := ParseKeyDuration(req.Duration)
			if req.Duration == "" || rerr != nil || requested > max {
				req.Duration = ub.Duration
			}
		}
	}
	if ub.BudgetDuration != "" && req.BudgetDuration == "" {
		req.BudgetDuration = ub.BudgetDuration
	}
}

// ValidateKey resolves a plaintext key to its stored record and enforces
// revocation, expiry, and budget. A failed check returns the key record
// alongside the error so callers can log which key was rejected.
func (km *KeyManager) ValidateKey(ctx context.Context, rawKey string) (*VirtualKey, error) {
	keyHash := km.gen.HashKey(rawKey)

	k, err := km.lookup(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	switch {
	case k.IsRevoked():
		return k, ErrKeyRevoked
	case k.IsExpired():
		return k, ErrKeyExpired
	case k.OverBudget():
		return k, ErrBudgetExceeded
	}
	return k, nil
}

// lookup reads through caches to the database
func (km *KeyManager) lookup(ctx context.Context, keyHash string) (*VirtualKey, error) {
	if k, ok := km.cache.Get(keyHash); ok {
		km.countCache("hit_local")
		return k, nil
	}

	if km.redis != nil {
		if data, err := km.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes(); err == nil {
			var k VirtualKey
			if err := json.Unmarshal(data, &k); err == nil {
				k.KeyHash = keyHash
				km.cache.Add(keyHash, &k)
				km.countCache("hit_redis")
				return &k, nil
			}
		}
	}

	km.countCache("miss")

	row := km.db.QueryRowContext(ctx,
		`SELECT `+virtualKeyColumns+` FROM virtual_keys WHERE key_hash = $1`, keyHash)
	k, err := scanVirtualKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key: %w", err)
	}

	km.cacheSet(ctx, k)
	return k, nil
}

func (km *KeyManager) cacheSet(ctx context.Context, k *VirtualKey) {
	km.cache.Add(k.KeyHash, k)
	if km.redis != nil {
		if data, err := json.Marshal(k); err == nil {
			km.redis.Set(ctx, redisKeyPrefix+k.KeyHash, data, km.cacheTTL)
		}
	}
}

// Invalidate drops a key from both cache layers
func (km *KeyManager) Invalidate(ctx context.Context, keyHash string) {
	km.cache.Remove(keyHash)
	if km.redis != nil {
		km.redis.Del(ctx, redisKeyPrefix+keyHash)
	}
}

func (km *KeyManager) countCache(outcome string) {
	if km.metrics != nil {
		km.metrics.KeyCacheHitsTotal.WithLabelValues(outcome).Inc()
	}
}

// RevokeKey marks a key revoked. It accepts either the plaintext key or its
// stored hash, since admins revoking leaked keys usually hold the plaintext.
func (km *KeyManager) RevokeKey(ctx context.Context, keyOrHash string) error {
	keyHash := keyOrHash
	if MatchesFormat(keyOrHash) {
		keyHash = km.gen.HashKey(keyOrHash)
	}

	res, err := km.db.ExecContext(ctx,
		`UPDATE virtual_keys SET revoked_at = NOW(), updated_at = NOW()
		 WHERE key_hash = $1 AND revoked_at IS NULL`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrKeyNotFound
	}

	km.Invalidate(ctx, keyHash)
	km.logger.WithField("key_hash", keyHash[:12]).Info("revoked virtual key")
	return nil
}

// KeyInfo returns the stored record for a plaintext key or hash
func (km *KeyManager) KeyInfo(ctx context.Context, keyOrHash string) (*VirtualKey, error) {
	keyHash := keyOrHash
	if MatchesFormat(keyOrHash) {
		keyHash = km.gen.HashKey(keyOrHash)
	}

	row := km.db.QueryRowContext(ctx,
		`SELECT `+virtualKeyColumns+` FROM virtual_keys WHERE key_hash = $1`, keyHash)
	k, err := scanVirtualKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key: %w", err)
	}
	return k, nil
}

// ListKeys returns all keys for a user, or every key when userID is empty
func (km *KeyManager) ListKeys(ctx context.Context, userID string) ([]*VirtualKey, error) {
	query := `SELECT ` + virtualKeyColumns + ` FROM virtual_keys ORDER BY created_at DESC`
	args := []interface{}{}
	if userID != "" {
		query = `SELECT ` + virtualKeyColumns + ` FROM virtual_keys WHERE user_id = $1 ORDER BY created_at DESC`
		args = append(args, userID)
	}

	rows, err := km.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []*VirtualKey
	for rows.Next() {
		var k VirtualKey
		var allowedModels pq.StringArray
		var metadata []byte

		err := rows.Scan(
			&k.ID, &k.KeyHash, &k.KeyPrefix, &k.KeyName, &k.UserID,
			&k.TeamID, &k.MaxBudget, &k.Spend, &k.BudgetDuration, &k.BudgetResetAt,
			&k.TPMLimit, &k.RPMLimit, &k.MaxParallelRequests, &allowedModels, &metadata,
			&k.ExpiresAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		k.AllowedModels = []string(allowedModels)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &k.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode key metadata: %w", err)
			}
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// IncrementSpend adds to a key's accumulated spend and drops it from the
// caches so the next validation sees the fresh balance.
func (km *KeyManager) IncrementSpend(ctx context.Context, keyHash string, amount float64) error {
	if keyHash == "" || amount == 0 {
		return nil
	}

	_, err := km.db.ExecContext(ctx,
		`UPDATE virtual_keys SET spend = spend + $1, updated_at = NOW() WHERE key_hash = $2`,
		amount, keyHash)
	if err != nil {
		return fmt.Errorf("failed to increment spend: %w", err)
	}

	km.Invalidate(ctx, keyHash)
	return nil
}

// ResetDueBudgets zeroes spend on keys whose budget window has elapsed and
// schedules the next window. Called periodically by the spend cron.
func (km *KeyManager) ResetDueBudgets(ctx context.Context) (int, error) {
	rows, err := km.db.QueryContext(ctx,
		`SELECT key_hash, COALESCE(budget_duration, '') FROM virtual_keys
		 WHERE budget_reset_at IS NOT NULL AND budget_reset_at <= NOW() AND revoked_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to query due budgets: %w", err)
	}
	defer rows.Close()

	type due struct {
		hash     string
		duration string
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.hash, &d.duration); err != nil {
			return 0, err
		}
		dues = append(dues, d)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reset := 0
	for _, d := range dues {
		var next *time.Time
		if d.duration != "" {
			if dur, err := ParseKeyDuration(d.duration); err == nil {
				t := time.Now().Add(dur)
				next = &t
			}
		}

		_, err := km.db.ExecContext(ctx,
			`UPDATE virtual_keys SET spend = 0, budget_reset_at = $1, updated_at = NOW() WHERE key_hash = $2`,
			next, d.hash)
		if err != nil {
			km.logger.WithError(err).WithField("key_hash", d.hash[:12]).Error("failed to reset key budget")
			continue
		}

		km.Invalidate(ctx, d.hash)
		reset++
	}
	return reset, nil
}

// CountActiveKeys reports non-revoked, non-expired keys for the metrics gauge
func (km *KeyManager) CountActiveKeys(ctx context.Context) (int64, error) {
	var n int64
	err := km.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM virtual_keys
		 WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`).Scan(&n)
	return n, err
}
