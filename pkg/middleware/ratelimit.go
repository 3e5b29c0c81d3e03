package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/httputil"
)

// Rate limit violations distinguished for the Retry-After response
var (
	ErrRPMExceeded      = errors.New("requests per minute limit exceeded")
	ErrTPMExceeded      = errors.New("tokens per minute limit exceeded")
	ErrParallelExceeded = errors.New("max parallel requests exceeded")
)

const limitWindow = time.Minute

// keyWindow tracks one virtual key's usage in the current minute window
type keyWindow struct {
	mu        sync.Mutex
	start     time.Time
	requests  int64
	tokens    int64
	inflight  int
	lastTouch time.Time
}

// KeyLimiter enforces each virtual key's rpm_limit, tpm_limit, and
// max_parallel_requests with in-memory fixed windows. Limits live on the
// key record, so there is no limiter-level configuration.
type KeyLimiter struct {
	mu      sync.RWMutex
	windows map[string]*keyWindow
}

// NewKeyLimiter creates an in-memory per-key limiter
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{windows: make(map[string]*keyWindow)}
}

func (kl *KeyLimiter) window(keyHash string) *keyWindow {
	kl.mu.RLock()
	w, ok := kl.windows[keyHash]
	kl.mu.RUnlock()
	if ok {
		return w
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if w, ok = kl.windows[keyHash]; ok {
		return w
	}
	w = &keyWindow{start: time.Now()}
	kl.windows[keyHash] = w
	return w
}

// Acquire checks the key's limits and claims a parallel request slot. The
// returned release function must be called when the request finishes; it is
// non-nil only on success.
func (kl *KeyLimiter) Acquire(key *auth.VirtualKey) (func(), error) {
	w := kl.window(key.KeyHash)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.lastTouch = now
	if now.Sub(w.start) >= limitWindow {
		w.start = now
		w.requests = 0
		w.tokens = 0
	}

	if key.MaxParallelRequests != nil && w.inflight >= *key.MaxParallelRequests {
		return nil, ErrParallelExceeded
	}
	if key.RPMLimit != nil && w.requests >= *key.RPMLimit {
		return nil, ErrRPMExceeded
	}
	if key.TPMLimit != nil && w.tokens >= *key.TPMLimit {
		return nil, ErrTPMExceeded
	}

	w.requests++
	w.inflight++
	released := false
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !released {
			released = true
			w.inflight--
		}
	}, nil
}

// RecordTokens charges consumed tokens against the key's tpm window. Called
// after the upstream response, so the first request in a window always
// passes and heavy usage throttles the ones that follow.
func (kl *KeyLimiter) RecordTokens(keyHash string, tokens int64) {
	if tokens <= 0 {
		return
	}
	w := kl.window(keyHash)
	w.mu.Lock()
	w.tokens += tokens
	w.mu.Unlock()
}

// Remaining reports how many requests the key has left in the current window
func (kl *KeyLimiter) Remaining(key *auth.VirtualKey) int64 {
	if key.RPMLimit == nil {
		return -1
	}
	w := kl.window(key.KeyHash)
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.start) >= limitWindow {
		return *key.RPMLimit
	}
	remaining := *key.RPMLimit - w.requests
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Cleanup drops windows untouched for two full windows
func (kl *KeyLimiter) Cleanup() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	for keyHash, w := range kl.windows {
		w.mu.Lock()
		stale := now.Sub(w.lastTouch) > limitWindow*2 && w.inflight == 0
		w.mu.Unlock()
		if stale {
			delete(kl.windows, keyHash)
		}
	}
}

// StartCleanup runs Cleanup periodically until the context ends
func (kl *KeyLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(limitWindow)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				kl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// releaseKey carries the limiter release through the request context
type releaseKey struct{}

// RateLimitHandler enforces per-key limits for authenticated requests.
// Master key requests and keys without limits pass through untouched.
func RateLimitHandler(limiter *KeyLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil || authCtx.Key == nil {
				next.ServeHTTP(w, r)
				return
			}

			release, err := limiter.Acquire(authCtx.Key)
			if err != nil {
				rateLimitExceeded(w, err)
				return
			}
			defer release()

			if remaining := limiter.Remaining(authCtx.Key); remaining >= 0 {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", *authCtx.Key.RPMLimit))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", "60")
	code := "rate_limit_exceeded"
	if errors.Is(err, ErrParallelExceeded) {
		code = "max_parallel_requests"
	}
	httputil.WriteOpenAIError(w, http.StatusTooManyRequests, "rate_limit_error",
		err.Error(), "", code)
}
