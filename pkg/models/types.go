package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/gantry-ai/gantry/pkg/config"
)

// Deployment is one upstream model behind a public alias
type Deployment struct {
	// Alias is the public model name clients send
	Alias string
	// Provider is the upstream provider: openai, azure, anthropic, gemini, bedrock
	Provider string
	// UpstreamModel is the provider's model identifier
	UpstreamModel string

	APIKey     string
	APIBase    string
	APIVersion string
	AWSRegion  string

	// Pricing overrides in USD per 1k tokens; zero means use defaults
	InputCostPer1K  float64
	OutputCostPer1K float64

	RPM int64
	TPM int64

	CreatedAt time.Time
}

// DeploymentFromEntry converts a parsed config entry into a deployment
func DeploymentFromEntry(entry config.ModelEntry) (*Deployment, error) {
	provider, upstream, ok := strings.Cut(entry.Params.Model, "/")
	if !ok {
		return nil, fmt.Errorf("model %q is not provider-qualified", entry.Params.Model)
	}

	switch provider {
	case "openai", "azure", "anthropic", "gemini", "bedrock":
	default:
		return nil, fmt.Errorf("unsupported provider %q for model %q", provider, entry.ModelName)
	}

	return &Deployment{
		Alias:           entry.ModelName,
		Provider:        provider,
		UpstreamModel:   upstream,
		APIKey:          entry.Params.APIKey,
		APIBase:         entry.Params.APIBase,
		APIVersion:      entry.Params.APIVersion,
		AWSRegion:       entry.Params.AWSRegion,
		InputCostPer1K:  entry.Params.InputCostPer1K,
		OutputCostPer1K: entry.Params.OutputCostPer1K,
		RPM:             entry.Params.RPM,
		TPM:             entry.Params.TPM,
		CreatedAt:       time.Now(),
	}, nil
}

// ModelInfo is the OpenAI-compatible model listing entry
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
