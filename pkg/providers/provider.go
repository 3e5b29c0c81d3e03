package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 2
	defaultRetryDelay = 500 * time.Millisecond
)

// httpJSON POSTs a JSON body and returns the response body, retrying on
// retryable upstream failures. headers is applied to every attempt.
func httpJSON(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewProviderError(provider, "cancelled", "request cancelled", 0, false, ctx.Err())
			case <-time.After(defaultRetryDelay * time.Duration(attempt)):
			}
		}

		respBody, err := doOnce(ctx, client, provider, url, body, headers)
		if err == nil {
			return respBody, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func doOnce(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(provider, "request_error", "failed to create request", 0, false, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, NewProviderError(provider, "connection_error",
			fmt.Sprintf("upstream request failed: %v", err), 0, true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError(provider, "read_error", "failed to read upstream response", resp.StatusCode, false, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(provider, resp.StatusCode, respBody)
	}

	return respBody, nil
}
