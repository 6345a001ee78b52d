// Package cache provides Redis-based caching middleware for model responses.
// Cache misses acquire a short lease so concurrent identical requests don't
// duplicate provider work, and Redis failures degrade gracefully to a cache
// bypass rather than failing the request.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

const (
	// Redis connection defaults.
	defaultPoolSize   = 10
	connectionTimeout = 5 * time.Second

	// Cache operation defaults.
	leaseTimeout       = 30 * time.Second
	retryCheckInterval = 100 * time.Millisecond
	cleanupTimeout     = 5 * time.Second
)

// cacheMiddleware caches successful model responses keyed by idempotency key.
type cacheMiddleware struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool

	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewMiddleware creates caching middleware from configuration. If client is
// nil and caching is enabled, a Redis client is created from cfg; connection
// failure disables the cache instead of failing construction.
func NewMiddleware(ctx context.Context, cfg configuration.CacheConfig, client *redis.Client) (transport.Middleware, error) {
	if client == nil && cfg.Enabled {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: defaultPoolSize,
		})

		timeoutCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
		defer cancel()

		if err := client.Ping(timeoutCtx).Err(); err != nil {
			slog.Warn("Redis connection failed, cache disabled", "error", err)
			cfg.Enabled = false
		}
	}

	cm := &cacheMiddleware{
		client:  client,
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
		logger:  slog.Default().With("component", "cache"),
	}

	return cm.middleware(), nil
}

// middleware returns the transport middleware implementing the cache flow:
// atomic hit-or-lease, single retry while another holder works, and
// write-back of successful responses.
func (c *cacheMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if !c.enabled || req.IdempotencyKey == "" {
				return next.Handle(ctx, req)
			}

			key, keyErr := buildKey(req)
			if keyErr != nil {
				c.logger.Warn("cache key validation failed", "error", keyErr)
				return next.Handle(ctx, req)
			}

			leaseKey := key + ":lease"
			status, cached, acquired, err := c.checkAndLease(ctx, key, leaseKey, leaseTimeout)

			switch status {
			case cacheHit:
				c.hits.Add(1)
				c.logger.Debug("cache hit",
					"key", key,
					"provider", req.Provider,
					"model", req.Model)
				return cached, nil

			case leaseAcquired:
				c.misses.Add(1)

			case leaseFailed:
				c.misses.Add(1)
				// Another process holds the lease, wait and retry once.
				select {
				case <-time.After(retryCheckInterval):
					if retryResp, retryErr := c.get(ctx, key); retryErr == nil && retryResp != nil {
						c.hits.Add(1)
						c.logger.Debug("cache hit after lease wait", "key", key)
						return retryResp, nil
					}
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			if err != nil {
				c.errors.Add(1)
				c.logger.Warn("cache/lease operation error", "error", err, "key", key)
				// Graceful degradation, continue without cache protection.
			}

			// Release the lease even when the caller's context is cancelled.
			defer func() { //nolint:contextcheck // Background context intentional for cleanup
				if acquired && c.client != nil {
					cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
					defer cancel()

					if delErr := c.client.Del(cleanupCtx, leaseKey).Err(); delErr != nil {
						c.logger.Warn("lease cleanup error", "error", delErr, "key", leaseKey)
					}
				}
			}()

			resp, err := next.Handle(ctx, req)
			if err != nil {
				// Only successful responses are cached.
				return nil, err
			}

			if resp != nil {
				if cacheErr := c.set(ctx, key, resp, req); cacheErr != nil {
					c.logger.Warn("cache set error", "error", cacheErr, "key", key)
				}
			}

			return resp, nil
		})
	}
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Snapshot returns current cache counters.
func (c *cacheMiddleware) Snapshot() *Stats {
	return &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
