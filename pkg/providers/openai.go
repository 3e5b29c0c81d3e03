package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gantry-ai/gantry/pkg/models"
)

const openAIDefaultBase = "https://api.openai.com/v1"

// OpenAIProvider forwards chat completions to the OpenAI API (or any
// OpenAI-compatible endpoint via a custom api_base).
type OpenAIProvider struct {
	client *http.Client
}

// NewOpenAIProvider creates an OpenAI adapter
func NewOpenAIProvider(timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier
func (p *OpenAIProvider) Name() string { return "openai" }

// ChatCompletion forwards the request; the wire format is already OpenAI's,
// only the model name is rewritten to the upstream identifier.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error) {
	base := dep.APIBase
	if base == "" {
		base = openAIDefaultBase
	}

	upstream := *req
	upstream.Model = dep.UpstreamModel

	body, err := json.Marshal(&upstream)
	if err != nil {
		return nil, NewProviderError(p.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + dep.APIKey,
	}

	respBody, err := httpJSON(ctx, p.client, p.Name(), base+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewProviderError(p.Name(), "unmarshal_error", "failed to unmarshal response", 0, false, err)
	}

	return &resp, nil
}
