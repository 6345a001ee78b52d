// Package configuration holds the declarative configuration for the model
// client and the generator factory, including defaults, struct validation,
// and YAML loading with environment-based secret resolution.
package configuration

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for configuration structs.
var validate = validator.New()

// Config holds comprehensive configuration for the model client.
// Includes provider settings, resilience parameters, and observability
// options for production-ready model operations.
type Config struct {
	// HTTP client configuration.
	HTTPTimeout time.Duration `json:"http_timeout"`
	HTTPClient  *http.Client  `json:"-"`

	// Provider configurations keyed by provider name.
	Providers map[string]ProviderConfig `json:"providers" validate:"required,min=1"`

	// Retry configuration.
	Retry RetryConfig `json:"retry"`

	// Circuit breaker configuration.
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`

	// Rate limiting configuration.
	RateLimit RateLimitConfig `json:"rate_limit"`

	// Cache configuration.
	Cache CacheConfig `json:"cache"`

	// Observability configuration.
	Observability ObservabilityConfig `json:"observability"`

	// MaxConcurrency bounds concurrent requests in batch operations.
	MaxConcurrency int `json:"max_concurrency" validate:"omitempty,min=1"`
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error { return validate.Struct(c) }

// ProviderConfig holds provider-specific configuration and authentication.
// Includes API endpoints, credentials, timeouts, and custom headers for each
// supported provider.
type ProviderConfig struct {
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"-"` // Sensitive, not serialized
	APIKeyEnv string            `json:"api_key_env"`
	Timeout   time.Duration     `json:"timeout"`
	Headers   map[string]string `json:"headers"`
}

// RetryConfig controls retry behavior for failed model operations.
// Implements exponential backoff with jitter for optimal retry timing.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" validate:"omitempty,min=1"` // Maximum attempts (1 = no retry)
	MaxElapsedTime  time.Duration `json:"max_elapsed_time"`                        // Total time budget for all attempts
	InitialInterval time.Duration `json:"initial_interval"`                        // Starting backoff duration
	MaxInterval     time.Duration `json:"max_interval"`                            // Maximum backoff duration
	Multiplier      float64       `json:"multiplier"`                              // Exponential backoff multiplier
	UseJitter       bool          `json:"use_jitter"`                              // Enable full jitter randomization
}

// CircuitBreakerConfig controls circuit breaker behavior for provider
// protection. Implements fail-fast patterns to prevent cascading failures
// during provider outages.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
	HalfOpenProbes   int           `json:"half_open_probes"`
}

// RateLimitConfig controls the local token-bucket rate limiter.
type RateLimitConfig struct {
	Enabled         bool    `json:"enabled"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	BurstSize       int     `json:"burst_size"`
}

// CacheConfig controls Redis-based response caching for cost optimization.
// Manages cache TTL and connection parameters for consistent cross-instance
// response caching with graceful degradation.
type CacheConfig struct {
	Enabled       bool          `json:"enabled"`
	TTL           time.Duration `json:"ttl"`
	RedisAddr     string        `json:"redis_addr"`
	RedisPassword string        `json:"-"` // Sensitive field excluded from JSON
	RedisDB       int           `json:"redis_db"`
}

// ObservabilityConfig controls logging behavior for model requests.
type ObservabilityConfig struct {
	LogLevel      string `json:"log_level"`
	RedactPrompts bool   `json:"redact_prompts"`
}

// GeneratorSpec declaratively describes a generator: which provider and model
// to call, the prompt templates, default variables, and the output parser by
// registered name. Consumed by the generator factory.
type GeneratorSpec struct {
	Provider string `json:"provider" validate:"required"`
	Model    string `json:"model"    validate:"required"`

	// Parser names a registered output parser; empty means plain text.
	Parser string `json:"parser"`

	// Template is the user prompt template body.
	Template string `json:"template" validate:"required"`

	// SystemTemplate is the optional system prompt template body.
	SystemTemplate string `json:"system_template"`

	// Variables are default template variables, overridable per call.
	Variables map[string]string `json:"variables"`

	// Generation parameters.
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Seed        *int64  `json:"seed"`

	// Timeout bounds a single model call.
	Timeout time.Duration `json:"timeout"`
}

// Validate checks the generator spec against its struct constraints.
func (s *GeneratorSpec) Validate() error { return validate.Struct(s) }
