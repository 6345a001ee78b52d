package circuitbreaker

import (
	"context"
	"strings"
	"sync"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// Registry manages per-key circuit breakers and exposes the transport
// middleware that applies them. Keys are provider:model pairs.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	config   configuration.CircuitBreakerConfig
}

// NewRegistry creates a breaker registry with the given configuration.
func NewRegistry(cfg configuration.CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*breaker),
		config:   cfg,
	}
}

// Middleware returns the circuit breaker middleware function. Half-open
// probes are marked on the request context so the retry middleware limits
// them to a single attempt.
func (r *Registry) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			b := r.getOrCreate(req.Provider, req.Model)

			res, err := b.allow()
			if err != nil || !res.allowed {
				return nil, err
			}
			defer res.cleanup()

			requestCtx := ctx
			if res.isHalfOpenProbe {
				requestCtx = context.WithValue(ctx, transport.HalfOpenProbeKey, true)
			}

			resp, err := next.Handle(requestCtx, req)
			if err != nil {
				b.recordFailure()
				return nil, err
			}

			b.recordSuccess()
			return resp, nil
		})
	}
}

// State returns the current state for a provider/model pair. Unknown pairs
// report closed since no breaker has tripped for them.
func (r *Registry) State(provider, model string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.breakers[buildKey(provider, model)]; ok {
		return State(b.state.Load())
	}
	return StateClosed
}

// Reset forces the breaker for a provider/model pair back to closed.
func (r *Registry) Reset(provider, model string) {
	r.mu.RLock()
	b, ok := r.breakers[buildKey(provider, model)]
	r.mu.RUnlock()
	if ok {
		b.transitionTo(StateClosed)
	}
}

// getOrCreate returns the breaker for a key, creating it on first use.
func (r *Registry) getOrCreate(provider, model string) *breaker {
	key := buildKey(provider, model)

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newBreaker(provider, model, r.config)
	r.breakers[key] = b
	return b
}

func buildKey(provider, model string) string {
	var sb strings.Builder
	sb.Grow(len(provider) + len(model) + 1)
	sb.WriteString(provider)
	sb.WriteByte(':')
	sb.WriteString(model)
	return sb.String()
}
