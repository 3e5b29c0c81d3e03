package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/providers"
)

// responsesRequest is the Responses API request. Input is either a plain
// string or an array of chat-style messages.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	User            string          `json:"user,omitempty"`
}

type responseOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutputItem struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Status  string                  `json:"status"`
	Content []responseOutputContent `json:"content"`
}

type responsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type responsesResponse struct {
	ID         string               `json:"id"`
	Object     string               `json:"object"`
	CreatedAt  int64                `json:"created_at"`
	Model      string               `json:"model"`
	Status     string               `json:"status"`
	Output     []responseOutputItem `json:"output"`
	OutputText string               `json:"output_text"`
	Usage      responsesUsage       `json:"usage"`
}

// responses serves POST /v1/responses by translating onto the chat path
func (s *Server) responses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
			err.Error(), "", "invalid_json")
		return
	}

	messages, err := inputToMessages(req.Input)
	if err != nil {
		httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
			err.Error(), "input", "")
		return
	}
	if req.Instructions != "" {
		messages = append([]providers.Message{{Role: "system", Content: req.Instructions}}, messages...)
	}

	chatReq := &providers.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		User:        req.User,
	}

	chatResp, ok := s.completeChat(w, r, chatReq)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, toResponsesResponse(chatResp))
}

// inputToMessages accepts the Responses API's string-or-messages input
func inputToMessages(input json.RawMessage) ([]providers.Message, error) {
	if len(input) == 0 {
		return nil, errInputRequired
	}

	var text string
	if err := json.Unmarshal(input, &text); err == nil {
		return []providers.Message{{Role: "user", Content: text}}, nil
	}

	var messages []providers.Message
	if err := json.Unmarshal(input, &messages); err != nil {
		return nil, errInputShape
	}
	if len(messages) == 0 {
		return nil, errInputRequired
	}
	return messages, nil
}

var (
	errInputRequired = jsonError("input must be a non-empty string or message array")
	errInputShape    = jsonError("input must be a string or an array of messages")
)

type jsonError string

func (e jsonError) Error() string { return string(e) }

func toResponsesResponse(chat *providers.ChatResponse) *responsesResponse {
	resp := &responsesResponse{
		ID:        "resp_" + chat.ID,
		Object:    "response",
		CreatedAt: chat.Created,
		Model:     chat.Model,
		Status:    "completed",
		Usage: responsesUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
			TotalTokens:  chat.Usage.TotalTokens,
		},
	}

	for i, choice := range chat.Choices {
		resp.Output = append(resp.Output, responseOutputItem{
			ID:     responseItemID(chat.ID, i),
			Type:   "message",
			Role:   choice.Message.Role,
			Status: "completed",
			Content: []responseOutputContent{
				{Type: "output_text", Text: choice.Message.Content},
			},
		})
		if i == 0 {
			resp.OutputText = choice.Message.Content
		}
	}
	return resp
}

func responseItemID(chatID string, index int) string {
	return fmt.Sprintf("msg_%s_%d", chatID, index)
}
