// Package retry provides retry middleware for the model-client transport
// chain. It implements exponential backoff with full jitter, respects
// provider Retry-After guidance, and tracks attempt statistics.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

var (
	// Configuration validation errors.
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
	errMaxElapsedTimeInvalid  = errors.New("maxElapsedTime must be >= 0")

	// Runtime errors.
	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
	errAllRetriesExhausted         = errors.New("all retries exhausted")
	errUnexpectedRetryExhaustion   = errors.New("unexpected retry exhaustion")
)

// retryMiddleware retries transient failures with configurable backoff.
type retryMiddleware struct {
	config configuration.RetryConfig
	logger *slog.Logger
	stats  *retryStats
}

// AfterProvider is implemented by error types that carry a provider-specified
// delay to wait before the next attempt. A zero return means no guidance.
type AfterProvider interface {
	GetRetryAfter() time.Duration
}

// NewMiddleware creates retry middleware from the given configuration.
// The configuration is validated up front so misconfiguration fails at
// construction rather than on the first request.
func NewMiddleware(cfg configuration.RetryConfig) (transport.Middleware, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, cfg.MaxAttempts)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %v", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v", errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1.0 {
		return nil, fmt.Errorf("%w, got %f", errMultiplierInvalid, cfg.Multiplier)
	}
	if cfg.MaxElapsedTime < 0 {
		return nil, fmt.Errorf("%w, got %v", errMaxElapsedTimeInvalid, cfg.MaxElapsedTime)
	}

	rm := &retryMiddleware{
		config: cfg,
		logger: slog.Default().With("component", "retry"),
		stats:  &retryStats{},
	}
	return rm.middleware(), nil
}

// middleware returns the retry middleware function.
func (r *retryMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			var lastErr error
			var lastResp *transport.Response
			startTime := time.Now()

			// Fail fast if context is already cancelled to avoid wasted attempts.
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
			default:
			}

			// Circuit breaker probes use single attempts to test provider health.
			maxAttempts := r.config.MaxAttempts
			if ctx.Value(transport.HalfOpenProbeKey) != nil {
				maxAttempts = 1
			}

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				// Respect the overall time budget to prevent indefinite loops.
				if r.config.MaxElapsedTime > 0 && time.Since(startTime) > r.config.MaxElapsedTime {
					r.logger.Warn("max elapsed time exceeded",
						"elapsed", time.Since(startTime),
						"attempts", attempt-1,
						"last_error", lastErr)
					break
				}

				resp, err := next.Handle(ctx, req)
				r.stats.totalAttempts.Add(1)

				// Preserve partial responses for error context.
				if resp != nil {
					lastResp = resp
				}

				if err == nil {
					if attempt > 1 {
						r.stats.successfulRetries.Add(1)
						r.logger.Info("request succeeded after retry",
							"attempt", attempt,
							"provider", req.Provider,
							"model", req.Model)
					} else {
						r.stats.successfulFirstAttempts.Add(1)
					}
					return resp, nil
				}

				// Avoid retrying errors that will always fail.
				if !r.isRetryable(err) {
					r.logger.Debug("non-retryable error",
						"error", err,
						"attempt", attempt,
						"provider", req.Provider)
					return lastResp, err
				}

				lastErr = err

				if attempt == maxAttempts {
					break
				}

				backoff := r.calculateBackoff(attempt, err)
				r.recordBackoffMetrics(backoff)

				// Ensure backoff doesn't push us past the overall timeout.
				if r.config.MaxElapsedTime > 0 {
					elapsed := time.Since(startTime)
					if elapsed+backoff > r.config.MaxElapsedTime {
						// Provider retry-after may exceed the time budget,
						// fall back to exponential backoff when it fits.
						if r.extractRetryAfter(err) > 0 {
							exponential := r.calculatePureExponentialBackoff(attempt)
							if elapsed+exponential <= r.config.MaxElapsedTime {
								backoff = exponential
							} else {
								r.logger.Warn("max elapsed time exceeded",
									"elapsed", elapsed,
									"attempts", attempt,
									"last_error", err)
								break
							}
						} else {
							r.logger.Warn("max elapsed time exceeded",
								"elapsed", elapsed,
								"attempts", attempt,
								"last_error", err)
							break
						}
					}
				}

				r.logger.Debug("retrying after backoff",
					"attempt", attempt,
					"backoff", backoff,
					"error", err,
					"provider", req.Provider)

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
				}
			}

			if lastErr != nil {
				r.stats.failedRetries.Add(1)
				return lastResp, fmt.Errorf("%w after %d attempts: %w",
					errAllRetriesExhausted, maxAttempts, lastErr)
			}

			return nil, errUnexpectedRetryExhaustion
		})
	}
}

// isRetryable evaluates error types to determine retry eligibility.
// Specific error types are checked before the AfterProvider interface so
// classification takes precedence over retry guidance.
func (r *retryMiddleware) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var circuitBreakerErr *llmerrors.CircuitBreakerError
	if errors.As(err, &circuitBreakerErr) {
		return false // Circuit breaker errors fail fast.
	}

	var rateLimitErr *llmerrors.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true // Always retry rate limits.
	}

	var providerErr *llmerrors.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.IsRetryable()
	}

	var pipelineErr *llmerrors.PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if isNetworkError(err) {
		return true
	}

	var provider AfterProvider
	if errors.As(err, &provider) {
		return true
	}

	// Default: don't retry unknown errors.
	return false
}

// isNetworkError detects network-related failures using type assertions,
// falling back to string patterns only for wrapped opaque errors.
func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return netErr.Timeout()
		}
		return isNetworkErrorByString(urlErr.Err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return isNetworkErrorByString(err.Error())
}

func isNetworkErrorByString(errStr string) bool {
	lowered := strings.ToLower(errStr)
	for _, indicator := range networkErrorIndicators {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

var networkErrorIndicators = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"eof",
}
