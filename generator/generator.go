package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
	"github.com/genpipe-ai/genpipe/prompt"
	"github.com/genpipe-ai/genpipe/tracing"
)

// Pipeline defaults.
const (
	DefaultMaxTokens      = 1024
	DefaultTemperature    = 0.7
	DefaultMaxConcurrency = 5
)

// Generator composes a prompt template, a model client, and an output parser
// into a generation pipeline. It is immutable after construction and safe for
// concurrent use.
type Generator struct {
	name     string
	template *prompt.Template
	client   ModelClient
	parser   OutputParser

	provider    string
	model       string
	maxTokens   int64
	temperature float64
	seed        *int64
	timeout     time.Duration

	maxConcurrency int

	stateLogger *tracing.StateLogger
	callLogger  *tracing.CallLogger

	logger *slog.Logger
}

// Option configures a Generator during construction.
type Option func(*Generator)

// WithName sets the generator name used in logs and trace records.
func WithName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// WithTemplate sets the prompt template.
func WithTemplate(t *prompt.Template) Option {
	return func(g *Generator) { g.template = t }
}

// WithClient sets the model client. Required.
func WithClient(c ModelClient) Option {
	return func(g *Generator) { g.client = c }
}

// WithParser sets the output parser. Defaults to the text parser.
func WithParser(p OutputParser) Option {
	return func(g *Generator) { g.parser = p }
}

// WithModel sets the provider and model to call. Required.
func WithModel(provider, model string) Option {
	return func(g *Generator) {
		g.provider = provider
		g.model = model
	}
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int64) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// WithSeed pins the sampling seed for providers that support it.
func WithSeed(seed int64) Option {
	return func(g *Generator) { g.seed = &seed }
}

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) { g.timeout = d }
}

// WithMaxConcurrency bounds CallBatch fan-out.
func WithMaxConcurrency(n int) Option {
	return func(g *Generator) { g.maxConcurrency = n }
}

// WithStateLogger records distinct prompt states per call.
func WithStateLogger(l *tracing.StateLogger) Option {
	return func(g *Generator) { g.stateLogger = l }
}

// WithCallLogger records call outcomes.
func WithCallLogger(l *tracing.CallLogger) Option {
	return func(g *Generator) { g.callLogger = l }
}

// New constructs a Generator. A missing template falls back to the default
// chat template and a missing parser to the text parser; client, provider,
// and model are required.
func New(opts ...Option) (*Generator, error) {
	g := &Generator{
		name:           "generator",
		maxTokens:      DefaultMaxTokens,
		temperature:    DefaultTemperature,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if g.provider == "" || g.model == "" {
		return nil, fmt.Errorf("provider and model are required")
	}

	if g.template == nil {
		tmpl, err := prompt.New(g.name, "")
		if err != nil {
			return nil, fmt.Errorf("failed to build default template: %w", err)
		}
		g.template = tmpl
	}
	if g.parser == nil {
		g.parser = TextParser{}
	}
	if g.maxConcurrency <= 0 {
		g.maxConcurrency = DefaultMaxConcurrency
	}

	g.logger = slog.Default().With("component", "generator", "generator", g.name)

	return g, nil
}

// CallOption adjusts a single invocation. Per-call values override the
// generator's constructor defaults.
type CallOption func(*callParams)

type callParams struct {
	vars        map[string]string
	maxTokens   int64
	temperature *float64
	seed        *int64
	timeout     time.Duration
	traceID     string
}

// WithVariables merges per-call template variables.
func WithVariables(vars map[string]string) CallOption {
	return func(p *callParams) {
		for k, v := range vars {
			p.vars[k] = v
		}
	}
}

// WithVariable sets one per-call template variable.
func WithVariable(key, value string) CallOption {
	return func(p *callParams) { p.vars[key] = value }
}

// WithCallMaxTokens overrides the token limit for this call.
func WithCallMaxTokens(n int64) CallOption {
	return func(p *callParams) { p.maxTokens = n }
}

// WithCallTemperature overrides the temperature for this call.
func WithCallTemperature(t float64) CallOption {
	return func(p *callParams) { p.temperature = &t }
}

// WithCallSeed overrides the seed for this call.
func WithCallSeed(seed int64) CallOption {
	return func(p *callParams) { p.seed = &seed }
}

// WithCallTimeout overrides the call timeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(p *callParams) { p.timeout = d }
}

// WithTraceID propagates an external trace identifier.
func WithTraceID(id string) CallOption {
	return func(p *callParams) { p.traceID = id }
}

// Call runs the pipeline synchronously: render, invoke, parse. It always
// returns a non-nil output; failures in any stage are captured into the
// Error field and never propagate as errors or panics.
func (g *Generator) Call(ctx context.Context, opts ...CallOption) *GeneratorOutput {
	params := g.resolveParams(opts)
	output := &GeneratorOutput{Metadata: map[string]any{}}

	rendered, err := g.template.Render(params.vars)
	if err != nil {
		output.Error = fmt.Sprintf("prompt rendering failed: %v", err)
		g.finishCall(output, params, nil)
		return output
	}
	output.Metadata["prompt_hash"] = rendered.Hash
	g.logState(rendered)

	resp, err := g.invoke(ctx, rendered, params)
	if resp != nil {
		output.RawResponse = resp.Content
		output.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		output.Metadata["latency_ms"] = resp.Usage.LatencyMs
		output.Metadata["finish_reason"] = string(resp.FinishReason)
		output.Metadata["from_cache"] = resp.FromCache
		if len(resp.ProviderRequestIDs) > 0 {
			output.Metadata["provider_request_ids"] = strings.Join(resp.ProviderRequestIDs, ",")
		}
	}
	if err != nil {
		pipeErr := llmerrors.Classify(err)
		output.Error = fmt.Sprintf("model invocation failed: %v", err)
		output.Metadata["error_type"] = string(pipeErr.Type)
		g.finishCall(output, params, rendered)
		return output
	}
	if resp == nil || resp.Content == "" {
		output.Error = llmerrors.ErrEmptyResponse.Error()
		g.finishCall(output, params, rendered)
		return output
	}

	data, parseErr := g.parse(resp.Content)
	if parseErr != nil {
		output.Error = fmt.Sprintf("output parsing failed: %v", parseErr)
		output.Metadata["error_type"] = string(llmerrors.ErrorTypeParse)
		g.finishCall(output, params, rendered)
		return output
	}

	output.Data = data
	g.finishCall(output, params, rendered)
	return output
}

// CallAsync runs the pipeline in a goroutine and delivers the single output
// on the returned channel, which is then closed.
func (g *Generator) CallAsync(ctx context.Context, opts ...CallOption) <-chan *GeneratorOutput {
	ch := make(chan *GeneratorOutput, 1)
	go func() {
		defer close(ch)
		ch <- g.Call(ctx, opts...)
	}()
	return ch
}

// BatchInput is one entry of a CallBatch invocation.
type BatchInput struct {
	Options []CallOption
}

// CallBatch fans the pipeline out over the inputs with bounded concurrency.
// The result slice preserves input order and always has one non-nil output
// per input, even when the context is cancelled mid-batch.
func (g *Generator) CallBatch(ctx context.Context, batch []BatchInput) []*GeneratorOutput {
	outputs := make([]*GeneratorOutput, len(batch))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(g.maxConcurrency)

	for i, in := range batch {
		grp.Go(func() error {
			outputs[i] = g.Call(grpCtx, in.Options...)
			return nil
		})
	}

	// Calls never return errors, so Wait only synchronizes completion.
	_ = grp.Wait()

	return outputs
}

// resolveParams applies per-call options over the generator defaults.
func (g *Generator) resolveParams(opts []CallOption) *callParams {
	params := &callParams{
		vars:      map[string]string{},
		maxTokens: g.maxTokens,
		seed:      g.seed,
		timeout:   g.timeout,
	}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// invoke builds and dispatches the transport request.
func (g *Generator) invoke(ctx context.Context, rendered *prompt.Rendered, params *callParams) (*transport.Response, error) {
	temperature := g.temperature
	if params.temperature != nil {
		temperature = *params.temperature
	}

	req := &transport.Request{
		Provider:     g.provider,
		Model:        g.model,
		SystemPrompt: rendered.System,
		Prompt:       rendered.User,
		MaxTokens:    params.maxTokens,
		Temperature:  temperature,
		Seed:         params.seed,
		Timeout:      params.timeout,
		TraceID:      params.traceID,
	}

	return g.client.Complete(ctx, req)
}

// parse runs the output parser with panic recovery so a misbehaving parser
// cannot crash the pipeline.
func (g *Generator) parse(raw string) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("output parser panicked", "parser", g.parser.Name(), "panic", r)
			data = nil
			err = fmt.Errorf("parser %q panicked: %v", g.parser.Name(), r)
		}
	}()

	return g.parser.Parse(raw)
}

// logState records the rendered prompt state when a state logger is wired.
func (g *Generator) logState(rendered *prompt.Rendered) {
	if g.stateLogger == nil {
		return
	}
	g.stateLogger.LogState(&tracing.StateRecord{
		Generator: g.name,
		Hash:      rendered.Hash,
		Template:  g.template.Text(),
		System:    g.template.SystemText(),
		Variables: rendered.Variables,
	})
}

// finishCall emits the call trace record and a structured log line.
func (g *Generator) finishCall(output *GeneratorOutput, params *callParams, rendered *prompt.Rendered) {
	if output.Error != "" {
		g.logger.Warn("pipeline call failed", "error", output.Error)
	} else {
		g.logger.Debug("pipeline call completed")
	}

	if g.callLogger == nil {
		return
	}

	rec := &tracing.CallRecord{
		Generator:   g.name,
		Provider:    g.provider,
		Model:       g.model,
		Error:       output.Error,
		RawResponse: output.RawResponse,
	}
	if rendered != nil {
		rec.PromptHash = rendered.Hash
	}
	if output.Usage != nil {
		rec.TotalTokens = output.Usage.TotalTokens
	}
	if v, ok := output.Metadata["latency_ms"].(int64); ok {
		rec.LatencyMs = v
	}
	if v, ok := output.Metadata["from_cache"].(bool); ok {
		rec.FromCache = v
	}
	if v, ok := output.Metadata["finish_reason"].(string); ok {
		rec.FinishReason = v
	}
	g.callLogger.LogCall(rec)
}
