// Package llm provides a unified, resilient HTTP client for large language
// model providers. It composes a middleware chain of circuit breaking,
// caching, observability, retry, and rate limiting around provider adapters
// for OpenAI, Anthropic, and Google.
//
// Architecture:
//   - Provider-agnostic interface with adapter pattern per provider
//   - Middleware chain for composable resilience and observability
//   - Request/response only (no streaming in this implementation)
//   - Success-only caching with idempotency support
//   - Graceful degradation when Redis is unavailable
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/genpipe-ai/genpipe/llm/cache"
	"github.com/genpipe-ai/genpipe/llm/circuitbreaker"
	"github.com/genpipe-ai/genpipe/llm/configuration"
	"github.com/genpipe-ai/genpipe/llm/observability"
	"github.com/genpipe-ai/genpipe/llm/providers"
	"github.com/genpipe-ai/genpipe/llm/ratelimit"
	"github.com/genpipe-ai/genpipe/llm/retry"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// routerAdapter adapts providers.Router to transport.Router so the transport
// layer stays free of provider imports.
type routerAdapter struct {
	router providers.Router
}

func newRouterAdapter(router providers.Router) transport.Router {
	return &routerAdapter{router: router}
}

func (r *routerAdapter) Pick(provider, model string) (transport.ProviderAdapter, error) {
	adapter, err := r.router.Pick(provider, model)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// Client executes normalized model requests through the full middleware
// pipeline. It is the seam between pipeline orchestration and provider HTTP
// traffic; generators depend on this interface, never on concrete providers.
type Client interface {
	// Complete sends a completion request through the middleware chain and
	// returns the normalized response.
	Complete(ctx context.Context, req *transport.Request) (*transport.Response, error)

	// Close releases background resources such as rate limiter cleanup.
	Close() error
}

// client implements Client with the assembled middleware pipeline.
type client struct {
	config  *configuration.Config
	router  providers.Router
	handler transport.Handler
	limiter *ratelimit.Limiter
}

// NewClient creates a production-ready model client. The middleware pipeline
// is layered in two tiers: call-level middleware (circuit breaker, cache,
// logging) runs once per logical call, while attempt-level middleware (rate
// limiting) runs on every retry attempt inside the retry loop.
func NewClient(ctx context.Context, cfg *configuration.Config) (Client, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}

	router, err := providers.NewRouter(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpTransport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          configuration.DefaultMaxIdleConns,
			IdleConnTimeout:       configuration.DefaultIdleTimeoutSeconds * time.Second,
			TLSHandshakeTimeout:   configuration.DefaultTLSTimeoutSeconds * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		httpClient = &http.Client{
			Transport: httpTransport,
			Timeout:   cfg.HTTPTimeout,
		}
	}

	coreHandler := transport.NewHTTPHandler(httpClient, newRouterAdapter(router))

	// Attempt-level middleware, applied per retry attempt.
	var attemptMiddlewares []transport.Middleware
	var limiter *ratelimit.Limiter

	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.NewLimiter(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		attemptMiddlewares = append(attemptMiddlewares, limiter.Middleware())
	}

	attemptHandler := transport.Chain(coreHandler, attemptMiddlewares...)

	retryMiddleware, err := retry.NewMiddleware(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize retry middleware: %w", err)
	}
	retryHandler := retryMiddleware(attemptHandler)

	// Call-level middleware, applied once per logical call.
	var callMiddlewares []transport.Middleware

	callMiddlewares = append(callMiddlewares,
		observability.NewLoggingMiddleware(cfg.Observability, nil, nil))

	if cfg.Cache.Enabled {
		cacheMiddleware, err := cache.NewMiddleware(ctx, cfg.Cache, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		callMiddlewares = append(callMiddlewares, cacheMiddleware)
	}

	if cfg.CircuitBreaker.Enabled {
		registry := circuitbreaker.NewRegistry(cfg.CircuitBreaker)
		callMiddlewares = append(callMiddlewares, registry.Middleware())
	}

	handler := transport.Chain(retryHandler, callMiddlewares...)

	return &client{
		config:  cfg,
		router:  router,
		handler: handler,
		limiter: limiter,
	}, nil
}

// Complete implements Client by dispatching through the middleware chain.
// An idempotency key is derived from the request payload when absent so the
// cache and provider dedup headers see a stable identity.
func (c *client) Complete(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.IdempotencyKey == "" {
		key, err := transport.GenerateIdemKey(req)
		if err != nil {
			return nil, fmt.Errorf("failed to generate idempotency key: %w", err)
		}
		req.IdempotencyKey = key.String()
	}

	return c.handler.Handle(ctx, req)
}

// Close stops background goroutines owned by the client.
func (c *client) Close() error {
	if c.limiter != nil {
		c.limiter.Stop()
	}
	return nil
}
