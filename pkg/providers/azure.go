package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gantry-ai/gantry/pkg/models"
)

const azureDefaultAPIVersion = "2024-10-21"

// AzureProvider forwards chat completions to Azure OpenAI deployments.
// The deployment's UpstreamModel is the Azure deployment name.
type AzureProvider struct {
	client *http.Client
}

// NewAzureProvider creates an Azure OpenAI adapter
func NewAzureProvider(timeout time.Duration) *AzureProvider {
	return &AzureProvider{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier
func (p *AzureProvider) Name() string { return "azure" }

// ChatCompletion forwards the request using Azure's deployment-scoped URL
// and api-key header authentication.
func (p *AzureProvider) ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error) {
	if dep.APIBase == "" {
		return nil, NewProviderError(p.Name(), "config_error", "api_base is required for azure deployments", 0, false, nil)
	}

	apiVersion := dep.APIVersion
	if apiVersion == "" {
		apiVersion = azureDefaultAPIVersion
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		dep.APIBase, dep.UpstreamModel, apiVersion)

	upstream := *req
	// Azure infers the model from the deployment path
	upstream.Model = dep.UpstreamModel

	body, err := json.Marshal(&upstream)
	if err != nil {
		return nil, NewProviderError(p.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	headers := map[string]string{
		"api-key": dep.APIKey,
	}

	respBody, err := httpJSON(ctx, p.client, p.Name(), url, body, headers)
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewProviderError(p.Name(), "unmarshal_error", "failed to unmarshal response", 0, false, err)
	}

	return &resp, nil
}
