// Package transport defines the normalized request/response types and the
// composable handler chain that every model call flows through. Provider
// adapters translate these types to and from provider-specific wire formats;
// middleware layers (retry, rate limiting, caching, circuit breaking, logging)
// wrap the core HTTP handler without knowing about any provider.
package transport

import (
	"net/http"
	"time"
)

// FinishReason indicates why the model stopped generating.
// Provider adapters map provider-specific values onto this normalized set.
type FinishReason string

const (
	// FinishStop indicates natural completion.
	FinishStop FinishReason = "stop"

	// FinishLength indicates the token limit was reached.
	FinishLength FinishReason = "length"

	// FinishContentFilter indicates content was blocked by safety filters.
	FinishContentFilter FinishReason = "content_filter"

	// FinishToolUse indicates the model requested a tool invocation.
	FinishToolUse FinishReason = "tool_use"
)

// Request represents a normalized completion request across all providers.
// Contains all information needed for provider-specific HTTP request
// construction, middleware processing, and response correlation.
type Request struct {
	// Provider identifies which model service to use.
	Provider string `json:"provider"` // "openai"|"anthropic"|"google"

	// Model specifies the exact model version to use.
	Model string `json:"model"`

	// SystemPrompt provides instructions to the model.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompt is the rendered user prompt sent to the model.
	Prompt string `json:"prompt"`

	// Generation parameters control model behavior.
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Seed        *int64  `json:"seed,omitempty"`

	// Control fields for resilience and observability.
	Timeout        time.Duration     `json:"timeout"`
	IdempotencyKey string            `json:"idempotency_key"`
	TraceID        string            `json:"trace_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Response represents normalized output from any model provider.
// Provides a consistent response structure that the orchestrator translates
// into pipeline results with usage tracking.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason `json:"finish_reason"`

	// ProviderRequestIDs enables cross-system correlation.
	ProviderRequestIDs []string `json:"provider_request_ids"`

	// Usage tracks resource consumption.
	Usage NormalizedUsage `json:"usage"`

	// FromCache marks responses served by the cache middleware.
	FromCache bool `json:"from_cache,omitempty"`

	// Headers preserves raw response headers for debugging.
	Headers http.Header `json:"-"`

	// RawBody preserves the original response for audit.
	RawBody []byte `json:"raw_body"`
}

// NormalizedUsage provides consistent usage metrics across all providers.
type NormalizedUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}
