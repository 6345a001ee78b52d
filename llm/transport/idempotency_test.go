package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/llm/transport"
)

func baseRequest() *transport.Request {
	return &transport.Request{
		Provider:    "openai",
		Model:       "gpt-4",
		Prompt:      "Summarize the document",
		MaxTokens:   512,
		Temperature: 0.7,
	}
}

func TestGenerateIdemKey_Deterministic(t *testing.T) {
	first, err := transport.GenerateIdemKey(baseRequest())
	require.NoError(t, err)
	second, err := transport.GenerateIdemKey(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.String(), 64)
}

func TestGenerateIdemKey_NormalizesEquivalentRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*transport.Request)
	}{
		{
			name:   "provider_case_and_space",
			mutate: func(r *transport.Request) { r.Provider = "  OpenAI " },
		},
		{
			name:   "prompt_surrounding_whitespace",
			mutate: func(r *transport.Request) { r.Prompt = "  Summarize the document\n" },
		},
		{
			name:   "prompt_crlf_line_endings",
			mutate: func(r *transport.Request) { r.Prompt = "Summarize the document\r\n" },
		},
		{
			name:   "trace_id_excluded",
			mutate: func(r *transport.Request) { r.TraceID = "trace-123" },
		},
		{
			name:   "timeout_excluded",
			mutate: func(r *transport.Request) { r.Timeout = 42 },
		},
	}

	base, err := transport.GenerateIdemKey(baseRequest())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			key, err := transport.GenerateIdemKey(req)
			require.NoError(t, err)
			assert.Equal(t, base, key)
		})
	}
}

func TestGenerateIdemKey_DistinguishesMeaningfulChanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*transport.Request)
	}{
		{
			name:   "different_prompt",
			mutate: func(r *transport.Request) { r.Prompt = "Translate the document" },
		},
		{
			name:   "different_model",
			mutate: func(r *transport.Request) { r.Model = "gpt-4o" },
		},
		{
			name:   "different_temperature",
			mutate: func(r *transport.Request) { r.Temperature = 0.2 },
		},
		{
			name:   "added_system_prompt",
			mutate: func(r *transport.Request) { r.SystemPrompt = "You are terse." },
		},
		{
			name: "added_seed",
			mutate: func(r *transport.Request) {
				seed := int64(42)
				r.Seed = &seed
			},
		},
	}

	base, err := transport.GenerateIdemKey(baseRequest())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			key, err := transport.GenerateIdemKey(req)
			require.NoError(t, err)
			assert.NotEqual(t, base, key)
		})
	}
}

func TestGenerateIdemKey_ValidatesRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*transport.Request)
		wantErr error
	}{
		{"missing_provider", func(r *transport.Request) { r.Provider = " " }, transport.ErrProviderRequired},
		{"missing_model", func(r *transport.Request) { r.Model = "" }, transport.ErrModelRequired},
		{"missing_prompt", func(r *transport.Request) { r.Prompt = "\n\t" }, transport.ErrPromptRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			_, err := transport.GenerateIdemKey(req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildCanonicalPayload_OmitsDefaultParams(t *testing.T) {
	req := baseRequest()
	req.MaxTokens = 0
	req.Temperature = 0

	payload, err := transport.BuildCanonicalPayload(req)
	require.NoError(t, err)
	assert.Nil(t, payload.Params)
	assert.Equal(t, transport.CurrentCanonicalVersion, payload.Version)
}
