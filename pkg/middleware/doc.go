// Package middleware provides HTTP middleware for the gateway's inference
// and management routes.
//
// # Middleware Components
//
// AuthMiddleware: bearer token authentication
//
//	router.Use(authMiddleware.Handler)
//	// Accepts the master key or a virtual key, adds AuthContext to the request
//
// KeyLimiter: in-memory per-key rate limiting
//
//	limiter := middleware.NewKeyLimiter()
//	router.Use(middleware.RateLimitHandler(limiter))
//	// Enforces each key's rpm_limit, tpm_limit, and max_parallel_requests
//
// RedisKeyLimiter: Redis-backed rate limiting shared across instances
//
//	limiter := middleware.NewRedisKeyLimiter(redisClient)
//
// # Ordering
//
// AuthMiddleware must run before the rate limiting handler: limits are read
// from the virtual key on the auth context. Requests authenticated with the
// master key bypass rate limiting entirely.
//
// # Related Packages
//
//   - pkg/auth: virtual key validation
//   - pkg/observability: auth failure and rate limit metrics
package middleware
