package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/contextkeys"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/observability"
)

// KeyValidator validates a raw virtual key. Satisfied by *auth.KeyManager.
type KeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (*auth.VirtualKey, error)
}

// AuthMiddleware authenticates requests with the master key or a virtual key
type AuthMiddleware struct {
	masterKey string
	keys      KeyValidator
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware. keys may be nil
// when no database is configured; only the master key is accepted then.
func NewAuthMiddleware(masterKey string, keys KeyValidator, metrics *observability.Metrics, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		masterKey: masterKey,
		keys:      keys,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			m.reject(w, http.StatusUnauthorized, "missing_token",
				"Authentication required. Pass your API key in the Authorization header.")
			return
		}

		if m.masterKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.masterKey)) == 1 {
			authCtx := &auth.AuthContext{IsMasterKey: true, Role: auth.RoleProxyAdmin}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithAuth(r.Context(), authCtx)))
			return
		}

		if m.keys == nil || !auth.MatchesFormat(token) {
			m.reject(w, http.StatusUnauthorized, "invalid_token", "Invalid API key.")
			return
		}

		key, err := m.keys.ValidateKey(r.Context(), token)
		if err != nil {
			m.rejectKeyError(w, err)
			return
		}

		authCtx := &auth.AuthContext{
			Key:    key,
			UserID: key.UserID,
			Role:   auth.RoleInternalUser,
		}
		next.ServeHTTP(w, r.WithContext(contextkeys.WithAuth(r.Context(), authCtx)))
	})
}

func (m *AuthMiddleware) rejectKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrKeyRevoked):
		m.reject(w, http.StatusUnauthorized, "key_revoked", "This API key has been revoked.")
	case errors.Is(err, auth.ErrKeyExpired):
		m.reject(w, http.StatusUnauthorized, "key_expired", "This API key has expired.")
	case errors.Is(err, auth.ErrBudgetExceeded):
		m.reject(w, http.StatusTooManyRequests, "budget_exceeded",
			"This API key has exceeded its budget.")
	case errors.Is(err, auth.ErrKeyNotFound):
		m.reject(w, http.StatusUnauthorized, "invalid_token", "Invalid API key.")
	default:
		m.logger.WithError(err).Error("key validation failed")
		m.reject(w, http.StatusUnauthorized, "invalid_token", "Invalid API key.")
	}
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, status int, reason, message string) {
	if m.metrics != nil {
		m.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
	httputil.WriteOpenAIError(w, status, "authentication_error", message, "", reason)
}

// GetAuthContext extracts the auth context set by AuthMiddleware, or nil
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := contextkeys.GetAuth(r.Context()).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireAdmin restricts a route to master key or proxy_admin callers
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			httputil.WriteOpenAIError(w, http.StatusUnauthorized, "authentication_error",
				"Authentication required.", "", "missing_token")
			return
		}
		if !authCtx.IsAdmin() {
			httputil.WriteOpenAIError(w, http.StatusForbidden, "authentication_error",
				"This operation requires admin privileges.", "", "insufficient_permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
