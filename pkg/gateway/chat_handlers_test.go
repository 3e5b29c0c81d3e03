package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/contextkeys"
	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/providers"
)

const gatewayMasterKey = "sk-gantry-admin"

// fakeUpstream serves a canned OpenAI chat completion response
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := providers.ChatResponse{
			ID:      "chatcmpl-test123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []providers.Choice{{
				Index:        0,
				Message:      providers.Message{Role: "assistant", Content: "Hello there."},
				FinishReason: "stop",
			}},
			Usage: providers.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGateway(t *testing.T, upstreamURL string) *Server {
	t.Helper()

	registry, err := models.NewRegistry([]config.ModelEntry{
		{
			ModelName: "gpt-4o",
			Params: config.ModelParams{
				Model:   "openai/gpt-4o-2024-11-20",
				APIKey:  "sk-upstream",
				APIBase: upstreamURL,
			},
		},
	})
	require.NoError(t, err)

	return NewServer(Options{
		MasterKey: gatewayMasterKey,
		Models:    registry,
		Providers: providers.NewRegistry(5 * time.Second),
		Logger:    observability.NewLogger(observability.ErrorLevel, io.Discard),
	})
}

func chatBody(t *testing.T, model string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "Hi"},
		},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestChatCompletions(t *testing.T) {
	upstream := fakeUpstream(t)
	server := newTestGateway(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gpt-4o"))
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp providers.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-test123", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello there.", resp.Choices[0].Message.Content)
	assert.Equal(t, int64(16), resp.Usage.TotalTokens)
	// The upstream saw the provider model, not the public alias
	assert.Equal(t, "gpt-4o-2024-11-20", resp.Model)
}

func TestChatCompletions_LegacyPath(t *testing.T) {
	upstream := fakeUpstream(t)
	server := newTestGateway(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", chatBody(t, "gpt-4o"))
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatCompletions_MissingAuth(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gpt-4o"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "no-such-model"))
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "invalid_request_error", envelope.Error.Type)
	assert.Equal(t, "model_not_found", envelope.Error.Code)
}

func TestChatCompletions_MissingModel(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	body := bytes.NewBufferString(`{"messages":[{"role":"user","content":"Hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model")
}

func TestChatCompletions_KeyModelAllowList(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	key := &auth.VirtualKey{KeyHash: "h1", AllowedModels: []string{"claude-sonnet"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gpt-4o"))
	req = req.WithContext(contextkeys.WithAuth(req.Context(),
		&auth.AuthContext{Key: key, Role: auth.RoleInternalUser}))

	rec := httptest.NewRecorder()
	server.chatCompletions(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_not_allowed")
}

func TestChatCompletions_UpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer upstream.Close()

	server := newTestGateway(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gpt-4o"))
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_api_key")
}

func TestListModels(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp modelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4o", resp.Data[0].ID)
	assert.Equal(t, "openai", resp.Data[0].OwnedBy)
}

func TestListModels_FilteredByAllowList(t *testing.T) {
	server := newTestGateway(t, "http://unused.invalid")

	key := &auth.VirtualKey{KeyHash: "h2", AllowedModels: []string{"claude-sonnet"}}
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req = req.WithContext(contextkeys.WithAuth(req.Context(),
		&auth.AuthContext{Key: key, Role: auth.RoleInternalUser}))

	rec := httptest.NewRecorder()
	server.listModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp modelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}
