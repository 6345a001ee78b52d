package generator_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/generator"
)

func TestTextParser(t *testing.T) {
	parser := generator.TextParser{}

	data, err := parser.Parse("  hello world \n")
	require.NoError(t, err)
	assert.Equal(t, "hello world", data)
	assert.Equal(t, "text", parser.Name())
}

func TestJSONParser(t *testing.T) {
	parser := generator.JSONParser{}

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, data any)
	}{
		{
			name: "plain_object",
			raw:  `{"answer": "42", "score": 0.9}`,
			check: func(t *testing.T, data any) {
				obj, ok := data.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "42", obj["answer"])
				assert.Equal(t, json.Number("0.9"), obj["score"])
			},
		},
		{
			name: "fenced_with_language_tag",
			raw:  "```json\n{\"answer\": \"42\"}\n```",
			check: func(t *testing.T, data any) {
				obj, ok := data.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "42", obj["answer"])
			},
		},
		{
			name: "fenced_without_language_tag",
			raw:  "```\n[1, 2, 3]\n```",
			check: func(t *testing.T, data any) {
				arr, ok := data.([]any)
				require.True(t, ok)
				assert.Len(t, arr, 3)
			},
		},
		{
			name:    "invalid_json",
			raw:     "not json at all",
			wantErr: true,
		},
		{
			name:    "empty_response",
			raw:     "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := parser.Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, data)
		})
	}
}

type upperParser struct{}

func (upperParser) Parse(raw string) (any, error) { return raw, nil }
func (upperParser) Name() string                  { return "upper" }

func TestParserRegistry(t *testing.T) {
	t.Run("builtin_parsers", func(t *testing.T) {
		for _, name := range []string{"text", "json"} {
			parser, err := generator.NewParser(name)
			require.NoError(t, err)
			assert.Equal(t, name, parser.Name())
		}
	})

	t.Run("empty_name_defaults_to_text", func(t *testing.T) {
		parser, err := generator.NewParser("")
		require.NoError(t, err)
		assert.Equal(t, "text", parser.Name())
	})

	t.Run("unknown_parser", func(t *testing.T) {
		_, err := generator.NewParser("does-not-exist")
		require.Error(t, err)
	})

	t.Run("register_custom", func(t *testing.T) {
		require.NoError(t, generator.RegisterParser("upper", func() generator.OutputParser {
			return upperParser{}
		}))

		parser, err := generator.NewParser("upper")
		require.NoError(t, err)
		assert.Equal(t, "upper", parser.Name())
	})

	t.Run("register_requires_name_and_constructor", func(t *testing.T) {
		require.Error(t, generator.RegisterParser("", func() generator.OutputParser { return upperParser{} }))
		require.Error(t, generator.RegisterParser("nil", nil))
	})
}
