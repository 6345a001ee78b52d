// Package ratelimit provides local token-bucket rate limiting for model
// requests. Limiters are keyed per provider and model, with background
// cleanup of stale limiters to bound memory in long-running processes.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// Cleanup and lifecycle constants.
const (
	// CleanupInterval determines the frequency of stale limiter cleanup.
	CleanupInterval = 1 * time.Hour

	// LimiterTTL is the time-to-live for unused limiters.
	LimiterTTL = 1 * time.Hour
)

// timedLimiter pairs a rate limiter with an atomic last-used timestamp so
// stale limiters can be detected without taking the map lock for reads.
type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64 // Unix nanoseconds
}

// Limiter applies per-key token-bucket limiting as transport middleware.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*timedLimiter
	config   configuration.RateLimitConfig

	cleanupMu     sync.Mutex
	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupDone   sync.WaitGroup

	rejected atomic.Int64
	allowed  atomic.Int64

	logger *slog.Logger
}

// Stats is a snapshot of limiter activity for monitoring.
type Stats struct {
	ActiveLimiters int   `json:"active_limiters"`
	Allowed        int64 `json:"allowed"`
	Rejected       int64 `json:"rejected"`
}

// NewLimiter creates a rate limiter from configuration. The background
// cleanup goroutine starts immediately; call Stop on shutdown.
func NewLimiter(cfg configuration.RateLimitConfig) (*Limiter, error) {
	if cfg.TokensPerSecond <= 0 {
		return nil, fmt.Errorf("tokens_per_second must be positive, got %f", cfg.TokensPerSecond)
	}
	if cfg.BurstSize <= 0 {
		return nil, fmt.Errorf("burst_size must be positive, got %d", cfg.BurstSize)
	}

	l := &Limiter{
		limiters: make(map[string]*timedLimiter),
		config:   cfg,
		logger:   slog.Default().With("component", "ratelimit"),
	}
	l.start()
	return l, nil
}

// Middleware returns the transport middleware enforcing the limit.
// Rate limit errors carry retry-after timing so the retry middleware can
// schedule the next attempt instead of hot-looping.
func (l *Limiter) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			key := fmt.Sprintf("%s:%s", req.Provider, req.Model)
			if err := l.check(key); err != nil {
				l.rejected.Add(1)
				return nil, err
			}
			l.allowed.Add(1)
			return next.Handle(ctx, req)
		})
	}
}

// check consumes a token for the key or returns a RateLimitError with a
// retry-after hint. The delay probe cancels its reservation so failed
// requests never leak bucket capacity.
func (l *Limiter) check(key string) error {
	limiter := l.getOrCreate(key)

	if !limiter.Allow() {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		// Minimum 1s retry to prevent tight client loops.
		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		return &llmerrors.RateLimitError{
			Provider:   key,
			Limit:      int(l.config.TokensPerSecond),
			RetryAfter: retryAfter,
		}
	}

	return nil
}

// getOrCreate retrieves or creates a token bucket using double-checked
// locking. Timestamps update under the read lock so cleanup can't delete a
// limiter that was just touched.
func (l *Limiter) getOrCreate(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	l.mu.RLock()
	if tl, ok := l.limiters[key]; ok {
		tl.lastUsed.Store(now)
		lim := tl.limiter
		l.mu.RUnlock()
		return lim
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok := l.limiters[key]; ok {
		tl.lastUsed.Store(now)
		return tl.limiter
	}

	lim := rate.NewLimiter(rate.Limit(l.config.TokensPerSecond), l.config.BurstSize)
	tl := &timedLimiter{limiter: lim}
	tl.lastUsed.Store(now)
	l.limiters[key] = tl
	return lim
}

// CleanupStale removes limiters unused since the given cutoff.
func (l *Limiter) CleanupStale(before time.Time) {
	cutoff := before.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, tl := range l.limiters {
		if tl.lastUsed.Load() < cutoff {
			delete(l.limiters, key)
		}
	}
}

// Snapshot returns current limiter statistics.
func (l *Limiter) Snapshot() *Stats {
	l.mu.RLock()
	active := len(l.limiters)
	l.mu.RUnlock()

	return &Stats{
		ActiveLimiters: active,
		Allowed:        l.allowed.Load(),
		Rejected:       l.rejected.Load(),
	}
}

// start launches the background cleanup goroutine. Idempotent.
func (l *Limiter) start() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.cleanupTicker != nil {
		return
	}

	l.cleanupStop = make(chan struct{})
	l.cleanupTicker = time.NewTicker(CleanupInterval)

	l.cleanupDone.Add(1)
	go l.cleanupLoop()
}

// Stop terminates the cleanup goroutine and waits for it. Idempotent.
func (l *Limiter) Stop() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.cleanupTicker == nil {
		return
	}

	close(l.cleanupStop)
	l.cleanupTicker.Stop()
	l.cleanupDone.Wait()

	l.cleanupTicker = nil
	l.logger.Debug("rate limit cleanup stopped")
}

func (l *Limiter) cleanupLoop() {
	defer l.cleanupDone.Done()

	for {
		select {
		case <-l.cleanupTicker.C:
			l.CleanupStale(time.Now().Add(-LimiterTTL))
		case <-l.cleanupStop:
			return
		}
	}
}
