package configuration

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the top-level document loaded from a YAML configuration file.
// The client section tunes the model-client middleware; the generator section
// declares the pipeline built by the generator factory.
type Settings struct {
	Client    *Config       `json:"client"`
	Generator GeneratorSpec `json:"generator"`
}

// fileSettings mirrors Settings for YAML decoding. Durations are expressed as
// strings ("30s", "250ms") and parsed with time.ParseDuration; API keys are
// resolved from the environment so secrets never live in the file.
type fileSettings struct {
	Client    fileClient    `yaml:"client"`
	Generator fileGenerator `yaml:"generator"`
}

type fileClient struct {
	HTTPTimeout    string                  `yaml:"http_timeout"`
	Providers      map[string]fileProvider `yaml:"providers"`
	Retry          fileRetry               `yaml:"retry"`
	CircuitBreaker fileCircuitBreaker      `yaml:"circuit_breaker"`
	RateLimit      fileRateLimit           `yaml:"rate_limit"`
	Cache          fileCache               `yaml:"cache"`
	Observability  fileObservability       `yaml:"observability"`
	MaxConcurrency int                     `yaml:"max_concurrency"`
}

type fileProvider struct {
	Endpoint  string            `yaml:"endpoint"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Timeout   string            `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

type fileRetry struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	MaxElapsedTime  string  `yaml:"max_elapsed_time"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier"`
	UseJitter       *bool   `yaml:"use_jitter"`
}

type fileCircuitBreaker struct {
	Enabled          *bool  `yaml:"enabled"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	OpenTimeout      string `yaml:"open_timeout"`
	HalfOpenProbes   int    `yaml:"half_open_probes"`
}

type fileRateLimit struct {
	Enabled         *bool   `yaml:"enabled"`
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	BurstSize       int     `yaml:"burst_size"`
}

type fileCache struct {
	Enabled       bool   `yaml:"enabled"`
	TTL           string `yaml:"ttl"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type fileObservability struct {
	LogLevel      string `yaml:"log_level"`
	RedactPrompts *bool  `yaml:"redact_prompts"`
}

type fileGenerator struct {
	Provider       string            `yaml:"provider"`
	Model          string            `yaml:"model"`
	Parser         string            `yaml:"parser"`
	Template       string            `yaml:"template"`
	TemplateFile   string            `yaml:"template_file"`
	SystemTemplate string            `yaml:"system_template"`
	Variables      map[string]string `yaml:"variables"`
	MaxTokens      int64             `yaml:"max_tokens"`
	Temperature    *float64          `yaml:"temperature"`
	Seed           *int64            `yaml:"seed"`
	Timeout        string            `yaml:"timeout"`
}

// Load reads, parses, and validates a YAML settings file.
// File values overlay DefaultConfig, so partial files are valid; provider API
// keys are resolved via the api_key_env indirection.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings from raw bytes. See Load.
func Parse(data []byte) (*Settings, error) {
	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	if err := applyClient(cfg, &fs.Client); err != nil {
		return nil, err
	}

	spec, err := buildGeneratorSpec(&fs.Generator)
	if err != nil {
		return nil, err
	}

	settings := &Settings{Client: cfg, Generator: *spec}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if err := settings.Generator.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generator spec: %w", err)
	}

	return settings, nil
}

// applyClient overlays file values onto the default configuration.
func applyClient(cfg *Config, fc *fileClient) error {
	var err error
	if cfg.HTTPTimeout, err = overlayDuration(cfg.HTTPTimeout, fc.HTTPTimeout); err != nil {
		return fmt.Errorf("http_timeout: %w", err)
	}

	for name, fp := range fc.Providers {
		pc := ProviderConfig{
			Endpoint: fp.Endpoint,
			Headers:  fp.Headers,
		}
		if fp.APIKeyEnv != "" {
			pc.APIKeyEnv = fp.APIKeyEnv
			pc.APIKey = os.Getenv(fp.APIKeyEnv)
		}
		if pc.Timeout, err = overlayDuration(0, fp.Timeout); err != nil {
			return fmt.Errorf("providers.%s.timeout: %w", name, err)
		}
		cfg.Providers[name] = pc
	}

	if fc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	if cfg.Retry.MaxElapsedTime, err = overlayDuration(cfg.Retry.MaxElapsedTime, fc.Retry.MaxElapsedTime); err != nil {
		return fmt.Errorf("retry.max_elapsed_time: %w", err)
	}
	if cfg.Retry.InitialInterval, err = overlayDuration(cfg.Retry.InitialInterval, fc.Retry.InitialInterval); err != nil {
		return fmt.Errorf("retry.initial_interval: %w", err)
	}
	if cfg.Retry.MaxInterval, err = overlayDuration(cfg.Retry.MaxInterval, fc.Retry.MaxInterval); err != nil {
		return fmt.Errorf("retry.max_interval: %w", err)
	}
	if fc.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = fc.Retry.Multiplier
	}
	if fc.Retry.UseJitter != nil {
		cfg.Retry.UseJitter = *fc.Retry.UseJitter
	}

	if fc.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreaker.Enabled = *fc.CircuitBreaker.Enabled
	}
	if fc.CircuitBreaker.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = fc.CircuitBreaker.FailureThreshold
	}
	if fc.CircuitBreaker.SuccessThreshold > 0 {
		cfg.CircuitBreaker.SuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	}
	if cfg.CircuitBreaker.OpenTimeout, err = overlayDuration(cfg.CircuitBreaker.OpenTimeout, fc.CircuitBreaker.OpenTimeout); err != nil {
		return fmt.Errorf("circuit_breaker.open_timeout: %w", err)
	}
	if fc.CircuitBreaker.HalfOpenProbes > 0 {
		cfg.CircuitBreaker.HalfOpenProbes = fc.CircuitBreaker.HalfOpenProbes
	}

	if fc.RateLimit.Enabled != nil {
		cfg.RateLimit.Enabled = *fc.RateLimit.Enabled
	}
	if fc.RateLimit.TokensPerSecond > 0 {
		cfg.RateLimit.TokensPerSecond = fc.RateLimit.TokensPerSecond
	}
	if fc.RateLimit.BurstSize > 0 {
		cfg.RateLimit.BurstSize = fc.RateLimit.BurstSize
	}

	cfg.Cache.Enabled = fc.Cache.Enabled
	if cfg.Cache.TTL, err = overlayDuration(cfg.Cache.TTL, fc.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	cfg.Cache.RedisAddr = fc.Cache.RedisAddr
	cfg.Cache.RedisPassword = fc.Cache.RedisPassword
	cfg.Cache.RedisDB = fc.Cache.RedisDB

	if fc.Observability.LogLevel != "" {
		cfg.Observability.LogLevel = fc.Observability.LogLevel
	}
	if fc.Observability.RedactPrompts != nil {
		cfg.Observability.RedactPrompts = *fc.Observability.RedactPrompts
	}

	if fc.MaxConcurrency > 0 {
		cfg.MaxConcurrency = fc.MaxConcurrency
	}

	return nil
}

// buildGeneratorSpec converts the file form into a validated GeneratorSpec.
// A template_file reference is read eagerly so later failures surface at load
// time rather than call time.
func buildGeneratorSpec(fg *fileGenerator) (*GeneratorSpec, error) {
	spec := &GeneratorSpec{
		Provider:       fg.Provider,
		Model:          fg.Model,
		Parser:         fg.Parser,
		Template:       fg.Template,
		SystemTemplate: fg.SystemTemplate,
		Variables:      fg.Variables,
		MaxTokens:      fg.MaxTokens,
		Temperature:    DefaultTemperature,
		Seed:           fg.Seed,
	}

	if fg.Temperature != nil {
		spec.Temperature = *fg.Temperature
	}
	if spec.MaxTokens == 0 {
		spec.MaxTokens = DefaultMaxTokens
	}

	if fg.TemplateFile != "" {
		if spec.Template != "" {
			return nil, fmt.Errorf("generator: template and template_file are mutually exclusive")
		}
		body, err := os.ReadFile(fg.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("generator: failed to read template_file: %w", err)
		}
		spec.Template = string(body)
	}

	var err error
	if spec.Timeout, err = overlayDuration(0, fg.Timeout); err != nil {
		return nil, fmt.Errorf("generator.timeout: %w", err)
	}

	return spec, nil
}

// overlayDuration parses a duration string, keeping the fallback when empty.
func overlayDuration(fallback time.Duration, s string) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
