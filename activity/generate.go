// Package activity exposes the generation pipeline as a Temporal activity.
// Pipeline failures captured in the output record are mapped onto retryable
// or non-retryable application errors so Temporal's retry policy can act on
// the same classification the client middleware uses.
package activity

import (
	"context"

	"go.temporal.io/sdk/temporal"

	"github.com/genpipe-ai/genpipe/generator"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
)

// GenerateInput carries per-invocation parameters into the activity.
type GenerateInput struct {
	// Variables are template variables for this invocation.
	Variables map[string]string `json:"variables,omitempty"`

	// TraceID propagates an external correlation identifier.
	TraceID string `json:"trace_id,omitempty"`
}

// Activities provides pipeline activity functions with injected dependencies.
type Activities struct{ gen *generator.Generator }

// NewActivities creates an Activities instance around a built generator.
// Used for both production and testing (with a fake model client inside the
// generator).
func NewActivities(gen *generator.Generator) *Activities {
	return &Activities{gen: gen}
}

// GeneratePipeline runs one pipeline call as a Temporal activity. The output
// record is returned as-is on success; captured failures become application
// errors whose retryability follows the pipeline's error classification.
func (a *Activities) GeneratePipeline(
	ctx context.Context,
	input GenerateInput,
) (*generator.GeneratorOutput, error) {
	opts := []generator.CallOption{generator.WithVariables(input.Variables)}
	if input.TraceID != "" {
		opts = append(opts, generator.WithTraceID(input.TraceID))
	}

	output := a.gen.Call(ctx, opts...)
	if output.Error == "" {
		return output, nil
	}

	if retryableOutput(output) {
		return nil, retryable("GeneratePipeline", output.Error)
	}
	return nil, nonRetryable("GeneratePipeline", output.Error)
}

// retryableOutput decides whether a captured failure warrants a Temporal
// retry, based on the error type recorded during classification.
func retryableOutput(output *generator.GeneratorOutput) bool {
	errType, ok := output.Metadata["error_type"].(string)
	if !ok {
		return false
	}

	switch llmerrors.ErrorType(errType) {
	case llmerrors.ErrorTypeTimeout,
		llmerrors.ErrorTypeRateLimit,
		llmerrors.ErrorTypeNetwork,
		llmerrors.ErrorTypeProvider,
		llmerrors.ErrorTypeCircuitBreaker:
		return true
	default:
		return false
	}
}

// retryable wraps a pipeline failure as a retryable application error.
func retryable(tag, msg string) error {
	return temporal.NewApplicationError(msg, tag)
}

// nonRetryable wraps a pipeline failure as a non-retryable application error.
func nonRetryable(tag, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, nil)
}
