// Package generator orchestrates the generation pipeline: render a prompt
// template, invoke a model client, and parse the response. Every invocation
// returns a GeneratorOutput record; pipeline failures are captured into the
// record instead of propagating to the caller.
package generator

import (
	"context"

	"github.com/genpipe-ai/genpipe/llm/transport"
)

// GeneratorOutput is the result record of one pipeline invocation. It is
// always returned non-nil: on failure Data is nil and Error carries the
// reason, while RawResponse retains whatever the model produced.
type GeneratorOutput struct {
	// Data is the parsed output on success, nil otherwise.
	Data any `json:"data"`

	// Error is a non-empty human-readable message on failure.
	Error string `json:"error,omitempty"`

	// RawResponse is the unprocessed model text, retained whenever a model
	// response was received regardless of parse outcome.
	RawResponse string `json:"raw_response"`

	// Usage is token accounting when available.
	Usage *Usage `json:"usage,omitempty"`

	// Metadata carries auxiliary call info such as latency, provider request
	// IDs, finish reason, and cache status.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK reports whether the invocation produced parsed data without error.
func (o *GeneratorOutput) OK() bool { return o.Error == "" }

// Usage tracks token consumption for one invocation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ModelClient abstracts the model-invocation stage. The llm package's Client
// satisfies it; tests substitute fakes.
type ModelClient interface {
	Complete(ctx context.Context, req *transport.Request) (*transport.Response, error)
}
