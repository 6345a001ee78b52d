package generator

import (
	"context"
	"fmt"

	"github.com/genpipe-ai/genpipe/llm"
	"github.com/genpipe-ai/genpipe/llm/configuration"
	"github.com/genpipe-ai/genpipe/prompt"
)

// FromConfig builds a complete Generator from declarative settings: the
// model client from the client section and the template, parser, and model
// parameters from the generator spec. Extra options are applied last so
// callers can wire tracing loggers or override the client in tests.
func FromConfig(ctx context.Context, settings *configuration.Settings, extra ...Option) (*Generator, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}

	spec := settings.Generator
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generator spec: %w", err)
	}

	name := fmt.Sprintf("%s-%s", spec.Provider, spec.Model)
	tmpl, err := prompt.New(name, spec.Template,
		prompt.WithSystem(spec.SystemTemplate),
		prompt.WithDefaults(spec.Variables),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build template: %w", err)
	}

	parser, err := NewParser(spec.Parser)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	client, err := llm.NewClient(ctx, settings.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to build model client: %w", err)
	}

	opts := []Option{
		WithName(name),
		WithTemplate(tmpl),
		WithParser(parser),
		WithClient(client),
		WithModel(spec.Provider, spec.Model),
		WithMaxTokens(spec.MaxTokens),
		WithTemperature(spec.Temperature),
		WithTimeout(spec.Timeout),
	}
	if spec.Seed != nil {
		opts = append(opts, WithSeed(*spec.Seed))
	}
	if settings.Client != nil && settings.Client.MaxConcurrency > 0 {
		opts = append(opts, WithMaxConcurrency(settings.Client.MaxConcurrency))
	}
	opts = append(opts, extra...)

	return New(opts...)
}
