package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProviderError describes a failed upstream call
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}

// openAIErrorBody is the error envelope OpenAI-style upstreams return
type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// errorFromStatus builds a ProviderError from an upstream HTTP error reply.
// The body is parsed as an OpenAI error envelope when possible.
func errorFromStatus(provider string, status int, body []byte) *ProviderError {
	message := string(body)
	code := "upstream_error"

	var parsed openAIErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
		if parsed.Error.Code != "" {
			code = parsed.Error.Code
		} else if parsed.Error.Type != "" {
			code = parsed.Error.Type
		}
	}

	retryable := status == http.StatusTooManyRequests || status >= 500
	return NewProviderError(provider, code, message, status, retryable, nil)
}

// IsRetryable reports whether err is a retryable provider error
func IsRetryable(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Retryable
	}
	return false
}
