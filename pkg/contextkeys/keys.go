// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the gateway must be defined here. This
// prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: inference handlers, key management handlers, spend tracker
	AuthKey Key = "auth_context"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, request log records
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID string
	// Set by: auth middleware, SSO session middleware
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability middleware
	LoggerKey Key = "logger"

	// ModelAliasKey contains the resolved model alias string
	// Set by: inference handlers after model resolution
	// Used by: spend tracker, metrics labels
	ModelAliasKey Key = "model_alias"
)

// WithAuth stores an auth context value
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// GetAuth retrieves the raw auth context value
func GetAuth(ctx context.Context) interface{} {
	return ctx.Value(AuthKey)
}

// WithRequestID stores a request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID, or "" if unset
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
