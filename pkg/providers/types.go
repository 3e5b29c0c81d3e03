package providers

import (
	"context"

	"github.com/gantry-ai/gantry/pkg/models"
)

// Message is a single conversation message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the unified chat completion request
type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	User             string    `json:"user,omitempty"`
}

// Usage reports token consumption for one completion
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Choice is one completion alternative
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the unified chat completion response, shaped like the
// OpenAI response so the gateway can serialize it directly.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Provider adapts one upstream model API to the unified chat schema
type Provider interface {
	// Name returns the provider identifier (openai, azure, anthropic, gemini, bedrock)
	Name() string

	// ChatCompletion forwards a chat request to the deployment's upstream
	ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error)
}

// splitSystemPrompt separates leading system messages from the conversation.
// Anthropic, Gemini, and Bedrock all take the system prompt out of band.
func splitSystemPrompt(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
