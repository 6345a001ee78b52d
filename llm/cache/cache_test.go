package cache

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

func testLogger() *slog.Logger {
	return slog.Default().With("component", "cache")
}

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name    string
		idemKey string
		want    string
		wantErr bool
	}{
		{
			name:    "valid_key",
			idemKey: "abcdef1234567890",
			want:    "genpipe:gen:abcdef1234567890",
		},
		{
			name:    "missing_key",
			idemKey: "",
			wantErr: true,
		},
		{
			name:    "too_short",
			idemKey: "short",
			wantErr: true,
		},
		{
			name:    "too_long",
			idemKey: strings.Repeat("x", 257),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := buildKey(&transport.Request{IdempotencyKey: tt.idemKey})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestEntryRoundTrip(t *testing.T) {
	req := &transport.Request{Provider: "openai", Model: "gpt-4"}
	resp := &transport.Response{
		Content:      "hello",
		FinishReason: transport.FinishStop,
		RawBody:      []byte(`{"raw": true}`),
		Usage: transport.NormalizedUsage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
		Headers: http.Header{
			"Content-Type": []string{"application/json"},
			"X-Request-Id": []string{"req-1"},
			"Set-Cookie":   []string{"secret"},
		},
	}

	e := responseToEntry(resp, req)
	assert.Equal(t, "openai", e.Provider)
	assert.Equal(t, "gpt-4", e.Model)
	assert.Positive(t, e.StoredAtUnixMs)
	assert.Contains(t, e.ResponseHeaders, "Content-Type")
	assert.Contains(t, e.ResponseHeaders, "X-Request-Id")
	assert.NotContains(t, e.ResponseHeaders, "Set-Cookie", "only essential headers are stored")

	restored := entryToResponse(e)
	assert.True(t, restored.FromCache)
	assert.Equal(t, "hello", restored.Content)
	assert.Equal(t, transport.FinishStop, restored.FinishReason)
	assert.Equal(t, int64(15), restored.Usage.TotalTokens)
	assert.Equal(t, []byte(`{"raw": true}`), restored.RawBody)
}

func TestMiddleware_DisabledPassthrough(t *testing.T) {
	mw, err := NewMiddleware(context.Background(), configuration.CacheConfig{Enabled: false}, nil)
	require.NoError(t, err)

	var calls int
	handler := mw(transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		calls++
		return &transport.Response{Content: "fresh"}, nil
	}))

	req := &transport.Request{
		Provider:       "openai",
		Model:          "gpt-4",
		IdempotencyKey: "abcdef1234567890",
	}

	for i := 0; i < 2; i++ {
		resp, err := handler.Handle(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "fresh", resp.Content)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, 2, calls, "disabled cache must never intercept")
}

func TestMiddleware_SkipsRequestsWithoutIdempotencyKey(t *testing.T) {
	cm := &cacheMiddleware{enabled: true, logger: testLogger()}

	var calls int
	handler := cm.middleware()(transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		calls++
		return &transport.Response{Content: "fresh"}, nil
	}))

	_, err := handler.Handle(context.Background(), &transport.Request{Provider: "openai", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCheckAndLease_NilClientDegradesToMiss(t *testing.T) {
	cm := &cacheMiddleware{enabled: true, logger: testLogger()}

	status, cached, acquired, err := cm.checkAndLease(context.Background(), "k", "k:lease", leaseTimeout)
	require.NoError(t, err)
	assert.Equal(t, leaseAcquired, status)
	assert.Nil(t, cached)
	assert.True(t, acquired)
}
