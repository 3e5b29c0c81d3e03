package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/auth"
)

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func limitedKey(hash string) *auth.VirtualKey {
	return &auth.VirtualKey{
		KeyHash:  hash,
		RPMLimit: int64Ptr(3),
		TPMLimit: int64Ptr(1000),
	}
}

func TestKeyLimiter_RPMLimit(t *testing.T) {
	limiter := NewKeyLimiter()
	key := limitedKey("rpm-key")

	for i := 0; i < 3; i++ {
		release, err := limiter.Acquire(key)
		require.NoError(t, err)
		release()
	}

	_, err := limiter.Acquire(key)
	assert.ErrorIs(t, err, ErrRPMExceeded)
}

func TestKeyLimiter_TPMLimit(t *testing.T) {
	limiter := NewKeyLimiter()
	key := &auth.VirtualKey{KeyHash: "tpm-key", TPMLimit: int64Ptr(500)}

	release, err := limiter.Acquire(key)
	require.NoError(t, err)
	release()

	limiter.RecordTokens(key.KeyHash, 600)

	_, err = limiter.Acquire(key)
	assert.ErrorIs(t, err, ErrTPMExceeded)
}

func TestKeyLimiter_ParallelLimit(t *testing.T) {
	limiter := NewKeyLimiter()
	key := &auth.VirtualKey{KeyHash: "par-key", MaxParallelRequests: intPtr(2)}

	r1, err := limiter.Acquire(key)
	require.NoError(t, err)
	r2, err := limiter.Acquire(key)
	require.NoError(t, err)

	_, err = limiter.Acquire(key)
	assert.ErrorIs(t, err, ErrParallelExceeded)

	// Releasing a slot frees capacity again
	r1()
	r3, err := limiter.Acquire(key)
	require.NoError(t, err)
	r3()
	r2()
}

func TestKeyLimiter_ReleaseIsIdempotent(t *testing.T) {
	limiter := NewKeyLimiter()
	key := &auth.VirtualKey{KeyHash: "idem-key", MaxParallelRequests: intPtr(1)}

	release, err := limiter.Acquire(key)
	require.NoError(t, err)
	release()
	release()

	r2, err := limiter.Acquire(key)
	require.NoError(t, err)
	r2()
}

func TestKeyLimiter_UnlimitedKey(t *testing.T) {
	limiter := NewKeyLimiter()
	key := &auth.VirtualKey{KeyHash: "free-key"}

	for i := 0; i < 100; i++ {
		release, err := limiter.Acquire(key)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, int64(-1), limiter.Remaining(key))
}

func TestKeyLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewKeyLimiter()
	keyA := limitedKey("key-a")
	keyB := limitedKey("key-b")

	for i := 0; i < 3; i++ {
		release, err := limiter.Acquire(keyA)
		require.NoError(t, err)
		release()
	}
	_, err := limiter.Acquire(keyA)
	require.ErrorIs(t, err, ErrRPMExceeded)

	release, err := limiter.Acquire(keyB)
	require.NoError(t, err)
	release()
}

func TestKeyLimiter_ConcurrentAcquire(t *testing.T) {
	limiter := NewKeyLimiter()
	key := &auth.VirtualKey{KeyHash: "conc-key", RPMLimit: int64Ptr(50)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(key)
			if err == nil {
				release()
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestKeyLimiter_Cleanup(t *testing.T) {
	limiter := NewKeyLimiter()
	key := limitedKey("cleanup-key")

	release, err := limiter.Acquire(key)
	require.NoError(t, err)
	release()

	limiter.mu.RLock()
	w := limiter.windows[key.KeyHash]
	limiter.mu.RUnlock()
	require.NotNil(t, w)

	// Age the window past the retention threshold
	w.mu.Lock()
	w.lastTouch = w.lastTouch.Add(-3 * limitWindow)
	w.mu.Unlock()

	limiter.Cleanup()

	limiter.mu.RLock()
	_, exists := limiter.windows[key.KeyHash]
	limiter.mu.RUnlock()
	assert.False(t, exists)
}

func TestRateLimitHandler(t *testing.T) {
	limiter := NewKeyLimiter()
	handler := RateLimitHandler(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	key := &auth.VirtualKey{KeyHash: "h-key", RPMLimit: int64Ptr(2)}

	for i := 0; i < 2; i++ {
		req := withAuthContext(httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil),
			&auth.AuthContext{Key: key})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	req := withAuthContext(httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil),
		&auth.AuthContext{Key: key})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimitHandler_MasterKeyBypasses(t *testing.T) {
	limiter := NewKeyLimiter()
	handler := RateLimitHandler(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 20; i++ {
		req := withAuthContext(httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil),
			&auth.AuthContext{IsMasterKey: true, Role: auth.RoleProxyAdmin})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
