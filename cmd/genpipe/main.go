// Package main provides the genpipe CLI: it builds a generator from a YAML
// configuration file, runs one pipeline call with command-line variables,
// and prints the resulting output record as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/genpipe-ai/genpipe/generator"
	"github.com/genpipe-ai/genpipe/llm/configuration"
)

var (
	configPath = flag.String("config", "genpipe.yaml", "Path to YAML configuration")
	timeout    = flag.Duration("timeout", 2*time.Minute, "Overall call timeout")
	logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
)

// varFlags collects repeated -var key=value flags.
type varFlags map[string]string

func (v varFlags) String() string {
	pairs := make([]string, 0, len(v))
	for k, val := range v {
		pairs = append(pairs, k+"="+val)
	}
	return strings.Join(pairs, ",")
}

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

func main() {
	vars := varFlags{}
	flag.Var(vars, "var", "Template variable as key=value (repeatable)")
	flag.Parse()

	if err := run(vars); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(vars varFlags) error {
	settings, err := configuration.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(settings)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gen, err := generator.FromConfig(ctx, settings)
	if err != nil {
		return fmt.Errorf("failed to build generator: %w", err)
	}

	output := gen.Call(ctx, generator.WithVariables(vars))

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	if !output.OK() {
		os.Exit(2)
	}
	return nil
}

// setupLogging configures the default slog handler from the config file,
// with the -log-level flag taking precedence.
func setupLogging(settings *configuration.Settings) {
	levelName := settings.Client.Observability.LogLevel
	if *logLevel != "" {
		levelName = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
