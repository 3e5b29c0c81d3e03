package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/models"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicAPIVersion  = "2023-06-01"

	// Anthropic requires max_tokens; used when the client didn't set one
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider forwards chat completions to the Anthropic messages API
type AnthropicProvider struct {
	client *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter
func NewAnthropicProvider(timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier
func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ChatCompletion maps the unified request onto the messages API: system
// prompt out of band, stop_reason translated back to a finish_reason.
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error) {
	base := dep.APIBase
	if base == "" {
		base = anthropicDefaultBase
	}

	system, rest := splitSystemPrompt(req.Messages)

	upstream := anthropicRequest{
		Model:         dep.UpstreamModel,
		System:        system,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if upstream.MaxTokens == 0 {
		upstream.MaxTokens = anthropicDefaultMaxTokens
	}
	for _, m := range rest {
		upstream.Messages = append(upstream.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(&upstream)
	if err != nil {
		return nil, NewProviderError(p.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	headers := map[string]string{
		"x-api-key":         dep.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}

	respBody, err := httpJSON(ctx, p.client, p.Name(), base+"/v1/messages", body, headers)
	if err != nil {
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(p.Name(), "unmarshal_error", "failed to unmarshal response", 0, false, err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	id := parsed.ID
	if id == "" {
		id = fmt.Sprintf("chatcmpl-%s", uuid.NewString())
	}

	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: text},
			FinishReason: anthropicFinishReason(parsed.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "stop_sequence", "end_turn", "":
		return "stop"
	default:
		return stopReason
	}
}
