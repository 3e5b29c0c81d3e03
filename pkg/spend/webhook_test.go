package spend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:             url,
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		BackoffMultiple: 2.0,
		Timeout:         time.Second,
	}
}

func TestWebhookCallback_Delivers(t *testing.T) {
	var got RequestRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "gantry-webhook/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cb := NewWebhookCallback(fastWebhookConfig(server.URL))
	err := cb.Deliver(context.Background(), testRecord())
	require.NoError(t, err)

	assert.Equal(t, "req-123", got.RequestID)
	assert.Equal(t, "gpt-4o", got.ModelAlias)
	assert.Equal(t, int64(150), got.TotalTokens)
}

func TestWebhookCallback_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cb := NewWebhookCallback(fastWebhookConfig(server.URL))
	err := cb.Deliver(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookCallback_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := NewWebhookCallback(fastWebhookConfig(server.URL))
	err := cb.Deliver(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookCallback_ContextCancelStopsRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := fastWebhookConfig(server.URL)
	config.InitialDelay = time.Minute
	cb := NewWebhookCallback(config)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Deliver(ctx, testRecord())
	require.ErrorIs(t, err, context.Canceled)
}

func TestObjectKey_DatePartitioned(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	key := objectKey("spend-logs", now)

	assert.Contains(t, key, "spend-logs/2026/03/15/")
	assert.Contains(t, key, ".jsonl")
}
