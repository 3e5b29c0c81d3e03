package spend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

// WebhookConfig configures spend event delivery
type WebhookConfig struct {
	URL             string
	MaxAttempts     int
	InitialDelay    time.Duration
	BackoffMultiple float64
	Timeout         time.Duration
}

// DefaultWebhookConfig returns sane delivery defaults
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:             url,
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		BackoffMultiple: 2.0,
		Timeout:         10 * time.Second,
	}
}

// WebhookCallback POSTs each spend record as JSON with exponential backoff
type WebhookCallback struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookCallback creates a webhook callback
func NewWebhookCallback(config WebhookConfig) *WebhookCallback {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.BackoffMultiple <= 1.0 {
		config.BackoffMultiple = 2.0
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &WebhookCallback{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the callback identifier
func (w *WebhookCallback) Name() string { return "webhook" }

// Deliver posts the record, retrying transient failures
func (w *WebhookCallback) Deliver(ctx context.Context, rec *RequestRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spend event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(w.config.InitialDelay) *
				math.Pow(w.config.BackoffMultiple, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", w.config.MaxAttempts, lastErr)
}

func (w *WebhookCallback) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gantry-webhook/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
