package generator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/generator"
	"github.com/genpipe-ai/genpipe/llm/configuration"
)

func stubSettings(endpoint string) *configuration.Settings {
	cfg := configuration.DefaultConfig()
	cfg.Providers = map[string]configuration.ProviderConfig{
		"openai": {APIKey: "sk-test", Endpoint: endpoint},
	}
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.RateLimit.Enabled = false
	cfg.Cache.Enabled = false
	cfg.CircuitBreaker.Enabled = false

	return &configuration.Settings{
		Client: cfg,
		Generator: configuration.GeneratorSpec{
			Provider:    "openai",
			Model:       "gpt-4",
			Parser:      "json",
			Template:    "Answer as JSON: {{.question}}",
			Variables:   map[string]string{"question": "default question"},
			MaxTokens:   256,
			Temperature: 0.2,
		},
	}
}

func TestFromConfig_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": `{"answer": "42"}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer server.Close()

	gen, err := generator.FromConfig(context.Background(), stubSettings(server.URL))
	require.NoError(t, err)

	output := gen.Call(context.Background(), generator.WithVariable("question", "meaning?"))
	require.True(t, output.OK(), "unexpected error: %s", output.Error)

	data, ok := output.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", data["answer"])
	require.NotNil(t, output.Usage)
	assert.Equal(t, int64(8), output.Usage.TotalTokens)
}

func TestFromConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*configuration.Settings)
	}{
		{
			name:   "nil_settings",
			mutate: nil,
		},
		{
			name:   "missing_model",
			mutate: func(s *configuration.Settings) { s.Generator.Model = "" },
		},
		{
			name:   "missing_template",
			mutate: func(s *configuration.Settings) { s.Generator.Template = "" },
		},
		{
			name:   "bad_template_syntax",
			mutate: func(s *configuration.Settings) { s.Generator.Template = "{{.broken" },
		},
		{
			name:   "unknown_parser",
			mutate: func(s *configuration.Settings) { s.Generator.Parser = "does-not-exist" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var settings *configuration.Settings
			if tt.mutate != nil {
				settings = stubSettings("https://example.test")
				tt.mutate(settings)
			}

			_, err := generator.FromConfig(context.Background(), settings)
			require.Error(t, err)
		})
	}
}

func TestFromConfig_ExtraOptionsOverride(t *testing.T) {
	settings := stubSettings("https://example.test")
	settings.Generator.Parser = "text"

	gen, err := generator.FromConfig(context.Background(), settings,
		generator.WithClient(successClient("override")),
	)
	require.NoError(t, err)

	output := gen.Call(context.Background())
	require.True(t, output.OK(), "unexpected error: %s", output.Error)
}
