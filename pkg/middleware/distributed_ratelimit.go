package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/observability"
)

// RedisKeyLimiter enforces rpm and tpm limits with Redis fixed windows so
// limits hold across gateway replicas. Parallel request caps stay local to
// each instance; sharing in-flight counts through Redis is not worth the
// failure modes.
type RedisKeyLimiter struct {
	redis  *redis.Client
	prefix string
}

// NewRedisKeyLimiter creates a Redis-backed per-key limiter
func NewRedisKeyLimiter(redisClient *redis.Client) *RedisKeyLimiter {
	return &RedisKeyLimiter{
		redis:  redisClient,
		prefix: "gantry:ratelimit",
	}
}

func (rl *RedisKeyLimiter) requestKey(keyHash string) string {
	return fmt.Sprintf("%s:rpm:%s", rl.prefix, keyHash)
}

func (rl *RedisKeyLimiter) tokenKey(keyHash string) string {
	return fmt.Sprintf("%s:tpm:%s", rl.prefix, keyHash)
}

// Allow counts the request against the key's minute window. On Redis errors
// it fails open so a cache outage does not take the gateway down.
func (rl *RedisKeyLimiter) Allow(ctx context.Context, key *auth.VirtualKey) (bool, error) {
	if key.RPMLimit == nil && key.TPMLimit == nil {
		return true, nil
	}

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, rl.requestKey(key.KeyHash))
	pipe.Expire(ctx, rl.requestKey(key.KeyHash), limitWindow)
	var tokens *redis.StringCmd
	if key.TPMLimit != nil {
		tokens = pipe.Get(ctx, rl.tokenKey(key.KeyHash))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	if key.RPMLimit != nil && incr.Val() > *key.RPMLimit {
		return false, nil
	}
	if tokens != nil {
		if used, err := tokens.Int64(); err == nil && used >= *key.TPMLimit {
			return false, nil
		}
	}
	return true, nil
}

// RecordTokens charges consumed tokens against the key's tpm window
func (rl *RedisKeyLimiter) RecordTokens(ctx context.Context, keyHash string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	pipe := rl.redis.Pipeline()
	pipe.IncrBy(ctx, rl.tokenKey(keyHash), tokens)
	pipe.Expire(ctx, rl.tokenKey(keyHash), limitWindow)
	_, err := pipe.Exec(ctx)
	return err
}

// Remaining returns how many requests remain in the key's current window
func (rl *RedisKeyLimiter) Remaining(ctx context.Context, key *auth.VirtualKey) (int64, error) {
	if key.RPMLimit == nil {
		return -1, nil
	}
	count, err := rl.redis.Get(ctx, rl.requestKey(key.KeyHash)).Int64()
	if err == redis.Nil {
		return *key.RPMLimit, nil
	} else if err != nil {
		return 0, err
	}
	remaining := *key.RPMLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until the key's window resets
func (rl *RedisKeyLimiter) TTL(ctx context.Context, keyHash string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.requestKey(keyHash)).Result()
}

// Reset clears the key's windows, for admin use and tests
func (rl *RedisKeyLimiter) Reset(ctx context.Context, keyHash string) error {
	return rl.redis.Del(ctx, rl.requestKey(keyHash), rl.tokenKey(keyHash)).Err()
}

// HealthCheck verifies Redis connectivity
func (rl *RedisKeyLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}

// DistributedRateLimitHandler enforces per-key limits through Redis, with a
// local limiter still guarding max_parallel_requests. Redis failures fall
// through to the local limiter alone.
func DistributedRateLimitHandler(remote *RedisKeyLimiter, local *KeyLimiter, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil || authCtx.Key == nil {
				next.ServeHTTP(w, r)
				return
			}

			// Local window still guards in-flight and serves as backstop
			release, err := local.Acquire(authCtx.Key)
			if err != nil {
				rateLimitExceeded(w, err)
				return
			}
			defer release()

			allowed, err := remote.Allow(r.Context(), authCtx.Key)
			if err != nil {
				logger.WithError(err).Warn("distributed rate limit check failed, using local window")
			} else if !allowed {
				rateLimitExceededWithTTL(r.Context(), w, remote, authCtx.Key.KeyHash)
				return
			}

			if remaining, err := remote.Remaining(r.Context(), authCtx.Key); err == nil && remaining >= 0 {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", *authCtx.Key.RPMLimit))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceededWithTTL(ctx context.Context, w http.ResponseWriter, remote *RedisKeyLimiter, keyHash string) {
	retryAfter := limitWindow.Seconds()
	if ttl, err := remote.TTL(ctx, keyHash); err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	rateLimitExceededMessage(w)
}

func rateLimitExceededMessage(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":{"message":"Rate limit exceeded for this API key.","type":"rate_limit_error","code":"rate_limit_exceeded"}}`))
}
