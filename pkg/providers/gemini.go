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

const geminiDefaultBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider forwards chat completions to the Gemini generateContent API
type GeminiProvider struct {
	client *http.Client
}

// NewGeminiProvider creates a Gemini adapter
func NewGeminiProvider(timeout time.Duration) *GeminiProvider {
	return &GeminiProvider{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier
func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ChatCompletion maps the unified request onto generateContent: assistant
// turns become role "model", system messages become systemInstruction.
func (p *GeminiProvider) ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error) {
	base := dep.APIBase
	if base == "" {
		base = geminiDefaultBase
	}

	system, rest := splitSystemPrompt(req.Messages)

	upstream := geminiRequest{}
	if system != "" {
		upstream.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range rest {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		upstream.Contents = append(upstream.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		upstream.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	body, err := json.Marshal(&upstream)
	if err != nil {
		return nil, NewProviderError(p.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", base, dep.UpstreamModel)
	headers := map[string]string{
		"x-goog-api-key": dep.APIKey,
	}

	respBody, err := httpJSON(ctx, p.client, p.Name(), url, body, headers)
	if err != nil {
		return nil, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(p.Name(), "unmarshal_error", "failed to unmarshal response", 0, false, err)
	}

	if len(parsed.Candidates) == 0 {
		return nil, NewProviderError(p.Name(), "empty_response", "no candidates in response", 0, false, nil)
	}

	var text string
	for _, part := range parsed.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: text},
			FinishReason: geminiFinishReason(parsed.Candidates[0].FinishReason),
		}},
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "STOP", "":
		return "stop"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
