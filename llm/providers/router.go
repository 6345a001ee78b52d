// Package providers implements the provider-specific adapters that translate
// normalized transport requests into OpenAI, Anthropic, and Google wire
// formats, and parse the corresponding responses back.
package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// Router selects the appropriate provider adapter for request routing.
// Provides centralized adapter selection based on provider configuration,
// enabling dynamic provider switching.
type Router interface {
	// Pick selects the adapter for the specified provider and model
	// combination. Returns an error if the provider is unknown or not
	// configured.
	Pick(provider, model string) (ProviderAdapter, error)
}

// ProviderAdapter abstracts provider-specific HTTP communication patterns.
// Each provider (OpenAI, Anthropic, Google) implements this interface to
// handle its unique API format, authentication scheme, and response structure.
type ProviderAdapter interface {
	// Build constructs a provider-specific HTTP request from a normalized
	// model request, setting authentication headers, API endpoints, and
	// request bodies according to provider requirements.
	Build(ctx context.Context, req *transport.Request) (*http.Request, error)

	// Parse extracts normalized data from the provider's HTTP response,
	// handling provider-specific response formats, usage metrics, and error
	// conditions to produce a consistent Response structure.
	Parse(httpResp *http.Response) (*transport.Response, error)

	// Name returns the canonical provider identifier for routing and metrics.
	// Valid values: "openai", "anthropic", "google" matching configuration keys.
	Name() string
}

// Supported provider identifiers.
// These constants must match the provider names used in configuration.
const (
	ProviderOpenAI    = "openai"    // OpenAI GPT models
	ProviderAnthropic = "anthropic" // Anthropic Claude models
	ProviderGoogle    = "google"    // Google Gemini models
)

// NewRouter creates a router with configured provider adapters.
func NewRouter(configs map[string]configuration.ProviderConfig) (Router, error) {
	adapters := make(map[string]ProviderAdapter)

	for name, cfg := range configs {
		var adapter ProviderAdapter
		switch name {
		case ProviderOpenAI:
			adapter = NewOpenAIAdapter(cfg)
		case ProviderAnthropic:
			adapter = NewAnthropicAdapter(cfg)
		case ProviderGoogle:
			adapter = NewGoogleAdapter(cfg)
		default:
			return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, name)
		}
		adapters[name] = adapter
	}

	return &router{adapters: adapters}, nil
}

// router implements Router with a provider adapter registry.
type router struct {
	adapters map[string]ProviderAdapter
}

// Pick selects the adapter for the given provider name.
// Returns an error if the provider is not configured or unknown.
func (r *router) Pick(provider, _ string) (ProviderAdapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, provider)
	}
	return adapter, nil
}
