package providers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/providers"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

func openAIConfig(endpoint string) configuration.ProviderConfig {
	return configuration.ProviderConfig{
		APIKey:   "test-key",
		Endpoint: endpoint,
	}
}

func TestOpenAIAdapter_Build(t *testing.T) {
	adapter := providers.NewOpenAIAdapter(openAIConfig("https://example.test/v1"))

	seed := int64(42)
	req := &transport.Request{
		Provider:       "openai",
		Model:          "gpt-4",
		SystemPrompt:   "You are terse.",
		Prompt:         "Say hi",
		MaxTokens:      128,
		Temperature:    0.3,
		Seed:           &seed,
		IdempotencyKey: "idem-abc",
	}

	httpReq, err := adapter.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, httpReq.Method)
	assert.Equal(t, "https://example.test/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer test-key", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", httpReq.Header.Get("Content-Type"))
	assert.Equal(t, "idem-abc", httpReq.Header.Get("Idempotency-Key"))

	var body map[string]any
	data, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &body))

	assert.Equal(t, "gpt-4", body["model"])
	assert.Equal(t, float64(128), body["max_tokens"])
	assert.InDelta(t, 0.3, body["temperature"], 1e-9)
	assert.Equal(t, float64(42), body["seed"])

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "You are terse.", first["content"])
	second := messages[1].(map[string]any)
	assert.Equal(t, "user", second["role"])
}

func TestOpenAIAdapter_Build_NoSystemPrompt(t *testing.T) {
	adapter := providers.NewOpenAIAdapter(openAIConfig(""))

	httpReq, err := adapter.Build(context.Background(), &transport.Request{
		Model:  "gpt-4",
		Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Contains(t, httpReq.URL.String(), "api.openai.com")

	var body map[string]any
	data, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &body))

	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestOpenAIAdapter_Parse_Success(t *testing.T) {
	body := `{
		"id": "chatcmpl-1",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Hello there"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-request-id", "req-123")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	httpResp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	adapter := providers.NewOpenAIAdapter(openAIConfig(server.URL))
	resp, err := adapter.Parse(httpResp)
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, transport.FinishStop, resp.FinishReason)
	assert.Equal(t, []string{"req-123"}, resp.ProviderRequestIDs)
	assert.Equal(t, int64(16), resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RawBody)
}

func TestOpenAIAdapter_Parse_FinishReasons(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   transport.FinishReason
	}{
		{"stop", "stop", transport.FinishStop},
		{"length", "length", transport.FinishLength},
		{"content_filter", "content_filter", transport.FinishContentFilter},
		{"tool_calls", "tool_calls", transport.FinishToolUse},
		{"unknown_defaults_to_stop", "mystery", transport.FinishStop},
	}

	adapter := providers.NewOpenAIAdapter(openAIConfig("https://example.test"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"choices": [{"message": {"content": "x"}, "finish_reason": "` + tt.reason + `"}]}`
			rec := httptest.NewRecorder()
			rec.WriteHeader(http.StatusOK)
			_, _ = rec.WriteString(body)

			resp, err := adapter.Parse(rec.Result())
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.FinishReason)
		})
	}
}

func TestOpenAIAdapter_Parse_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantType      llmerrors.ErrorType
		wantRetryable bool
	}{
		{
			name:          "auth_failure",
			status:        http.StatusUnauthorized,
			body:          `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`,
			wantType:      llmerrors.ErrorTypeAuth,
			wantRetryable: false,
		},
		{
			name:          "rate_limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error": {"message": "Rate limit reached", "type": "rate_limit_error", "code": "rate_limit_exceeded"}}`,
			wantType:      llmerrors.ErrorTypeRateLimit,
			wantRetryable: true,
		},
		{
			name:          "server_error",
			status:        http.StatusInternalServerError,
			body:          `{"error": {"message": "The server had an error", "type": "server_error"}}`,
			wantType:      llmerrors.ErrorTypeProvider,
			wantRetryable: true,
		},
		{
			name:          "bad_request",
			status:        http.StatusBadRequest,
			body:          `{"error": {"message": "Invalid model", "type": "invalid_request_error"}}`,
			wantType:      llmerrors.ErrorTypeValidation,
			wantRetryable: false,
		},
		{
			name:          "non_json_error_body",
			status:        http.StatusBadGateway,
			body:          "upstream connect error",
			wantType:      llmerrors.ErrorTypeProvider,
			wantRetryable: true,
		},
	}

	adapter := providers.NewOpenAIAdapter(openAIConfig("https://example.test"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			_, _ = rec.WriteString(tt.body)

			_, err := adapter.Parse(rec.Result())
			require.Error(t, err)

			var provErr *llmerrors.ProviderError
			require.ErrorAs(t, err, &provErr)
			assert.Equal(t, "openai", provErr.Provider)
			assert.Equal(t, tt.status, provErr.StatusCode)
			assert.Equal(t, tt.wantType, provErr.Type)
			assert.Equal(t, tt.wantRetryable, provErr.IsRetryable())
		})
	}
}
