package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/llm"
	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// openAIStub emulates the chat/completions endpoint with a scripted status
// sequence. After the sequence is exhausted it keeps returning the last entry.
type openAIStub struct {
	statuses []int
	calls    atomic.Int64
	lastAuth atomic.Pointer[string]
}

func (s *openAIStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		auth := r.Header.Get("Authorization")
		s.lastAuth.Store(&auth)

		status := s.statuses[min(n, len(s.statuses)-1)]
		w.Header().Set("x-request-id", "stub-req-id")
		w.WriteHeader(status)

		switch status {
		case http.StatusOK:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{
					"message":       map[string]any{"role": "assistant", "content": "stub answer"},
					"finish_reason": "stop",
				}},
				"usage": map[string]any{
					"prompt_tokens":     7,
					"completion_tokens": 3,
					"total_tokens":      10,
				},
			})
		case http.StatusUnauthorized:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"message": "Incorrect API key provided",
					"type":    "invalid_request_error",
					"code":    "invalid_api_key",
				},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"message": "The server had an error",
					"type":    "server_error",
				},
			})
		}
	}
}

func testClientConfig(endpoint string) *configuration.Config {
	cfg := configuration.DefaultConfig()
	cfg.Providers = map[string]configuration.ProviderConfig{
		"openai": {APIKey: "sk-test", Endpoint: endpoint},
	}
	cfg.Retry = configuration.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
	cfg.RateLimit.Enabled = false
	cfg.Cache.Enabled = false
	cfg.CircuitBreaker.Enabled = false
	return cfg
}

func completionRequest() *transport.Request {
	return &transport.Request{
		Provider:    "openai",
		Model:       "gpt-4",
		Prompt:      "What is 2+2?",
		MaxTokens:   64,
		Temperature: 0.2,
	}
}

func TestClient_CompleteSuccess(t *testing.T) {
	stub := &openAIStub{statuses: []int{http.StatusOK}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := llm.NewClient(context.Background(), testClientConfig(server.URL))
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Complete(context.Background(), completionRequest())
	require.NoError(t, err)

	assert.Equal(t, "stub answer", resp.Content)
	assert.Equal(t, transport.FinishStop, resp.FinishReason)
	assert.Equal(t, int64(10), resp.Usage.TotalTokens)
	assert.Equal(t, []string{"stub-req-id"}, resp.ProviderRequestIDs)

	auth := stub.lastAuth.Load()
	require.NotNil(t, auth)
	assert.Equal(t, "Bearer sk-test", *auth)
}

func TestClient_GeneratesIdempotencyKey(t *testing.T) {
	stub := &openAIStub{statuses: []int{http.StatusOK}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := llm.NewClient(context.Background(), testClientConfig(server.URL))
	require.NoError(t, err)
	defer client.Close()

	req := completionRequest()
	require.Empty(t, req.IdempotencyKey)

	_, err = client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, req.IdempotencyKey, 64, "missing keys are derived from the payload")
}

func TestClient_AuthFailureIsNotRetried(t *testing.T) {
	stub := &openAIStub{statuses: []int{http.StatusUnauthorized}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := llm.NewClient(context.Background(), testClientConfig(server.URL))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Complete(context.Background(), completionRequest())
	require.Error(t, err)

	var provErr *llmerrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusUnauthorized, provErr.StatusCode)
	assert.Equal(t, llmerrors.ErrorTypeAuth, provErr.Type)
	assert.Equal(t, int64(1), stub.calls.Load(), "terminal errors must not be retried")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	stub := &openAIStub{statuses: []int{
		http.StatusInternalServerError,
		http.StatusInternalServerError,
		http.StatusOK,
	}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := llm.NewClient(context.Background(), testClientConfig(server.URL))
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Complete(context.Background(), completionRequest())
	require.NoError(t, err)
	assert.Equal(t, "stub answer", resp.Content)
	assert.Equal(t, int64(3), stub.calls.Load())
}

func TestClient_CircuitBreakerOpensUnderSustainedFailure(t *testing.T) {
	stub := &openAIStub{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker = configuration.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenProbes:   1,
	}

	client, err := llm.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 2; i++ {
		_, err = client.Complete(context.Background(), completionRequest())
		require.Error(t, err)
	}

	calls := stub.calls.Load()
	_, err = client.Complete(context.Background(), completionRequest())
	require.Error(t, err)

	var cbErr *llmerrors.CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, calls, stub.calls.Load(), "open circuit must not reach the provider")
}

func TestClient_UnknownProviderFailsConstruction(t *testing.T) {
	cfg := testClientConfig("https://example.test")
	cfg.Providers = map[string]configuration.ProviderConfig{
		"mystery": {APIKey: "sk-x"},
	}

	_, err := llm.NewClient(context.Background(), cfg)
	require.ErrorIs(t, err, llmerrors.ErrUnknownProvider)
}
