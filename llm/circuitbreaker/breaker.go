// Package circuitbreaker provides per-provider circuit breaking for the
// model-client transport chain. Breakers move through closed, open, and
// half-open states based on consecutive failure and success counts.
package circuitbreaker

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
)

// jitterDivisor sizes open-timeout jitter at 10% of the configured timeout.
const jitterDivisor = 10

// State represents the current circuit breaker state.
type State int32

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// result is the outcome of a breaker admission check. Cleanup must be called
// when the request completes so probe slots are released.
type result struct {
	allowed         bool
	cleanup         func()
	isHalfOpenProbe bool
}

// breaker implements a single circuit with atomic state transitions.
type breaker struct {
	state           atomic.Int32
	failures        atomic.Int32
	successes       atomic.Int32
	lastFailureTime atomic.Int64
	halfOpenProbes  atomic.Int32

	provider string
	model    string

	failureThreshold  int
	successThreshold  int
	openTimeout       time.Duration
	maxHalfOpenProbes int

	logger *slog.Logger
}

func newBreaker(provider, model string, cfg configuration.CircuitBreakerConfig) *breaker {
	b := &breaker{
		provider:          provider,
		model:             model,
		failureThreshold:  cfg.FailureThreshold,
		successThreshold:  cfg.SuccessThreshold,
		openTimeout:       cfg.OpenTimeout,
		maxHalfOpenProbes: cfg.HalfOpenProbes,
		logger:            slog.Default().With("component", "circuit_breaker"),
	}
	b.state.Store(int32(StateClosed))
	return b
}

// jitter returns a random duration up to 10% of the open timeout, spreading
// recovery probes when many clients share the same failure window.
func (b *breaker) jitter() time.Duration {
	if b.openTimeout <= 0 {
		return 0
	}
	jit := b.openTimeout / jitterDivisor
	if jit <= 0 {
		return 0
	}
	return rand.N(jit) // #nosec G404 -- non-cryptographic jitter is appropriate here
}

// allow decides whether a request may proceed given the current state.
func (b *breaker) allow() (*result, error) {
	state := State(b.state.Load())

	switch state {
	case StateClosed:
		return &result{allowed: true, cleanup: func() {}}, nil

	case StateOpen, StateHalfOpen:
		if state == StateOpen {
			lastFailure := time.Unix(0, b.lastFailureTime.Load())
			if time.Since(lastFailure) <= b.openTimeout+b.jitter() {
				return &result{allowed: false, cleanup: func() {}}, &llmerrors.CircuitBreakerError{
					Provider: b.provider,
					Model:    b.model,
					State:    StateOpen.String(),
					ResetAt:  lastFailure.Add(b.openTimeout).Unix(),
				}
			}
			b.transitionTo(StateHalfOpen)
		}
		return b.acquireProbe()

	default:
		return &result{allowed: false, cleanup: func() {}},
			fmt.Errorf("unknown circuit state: %v", state)
	}
}

// acquireProbe reserves a half-open probe slot or rejects the request.
func (b *breaker) acquireProbe() (*result, error) {
	for {
		current := b.halfOpenProbes.Load()
		if int(current) >= b.maxHalfOpenProbes {
			return &result{allowed: false, cleanup: func() {}}, &llmerrors.CircuitBreakerError{
				Provider: b.provider,
				Model:    b.model,
				State:    StateHalfOpen.String(),
			}
		}
		if b.halfOpenProbes.CompareAndSwap(current, current+1) {
			cleanup := func() {
				// Release the slot; saturate at 0 if a transition reset it.
				for {
					cur := b.halfOpenProbes.Load()
					if cur == 0 {
						return
					}
					if b.halfOpenProbes.CompareAndSwap(cur, cur-1) {
						return
					}
				}
			}
			return &result{allowed: true, cleanup: cleanup, isHalfOpenProbe: true}, nil
		}
	}
}

// recordSuccess resets failure tracking and closes the circuit once the
// half-open success threshold is reached.
func (b *breaker) recordSuccess() {
	for {
		state := b.state.Load()
		switch State(state) {
		case StateClosed:
			b.failures.Store(0)
			return

		case StateHalfOpen:
			successes := b.successes.Add(1)
			if int(successes) >= b.successThreshold {
				if b.state.CompareAndSwap(state, int32(StateClosed)) {
					b.failures.Store(0)
					b.successes.Store(0)
					b.halfOpenProbes.Store(0)
					b.logger.Info("circuit breaker state transition",
						"provider", b.provider,
						"from", StateHalfOpen.String(),
						"to", StateClosed.String())
					return
				}
				b.successes.Add(-1)
				continue
			}
			return

		case StateOpen:
			return
		}
	}
}

// recordFailure counts the failure and opens the circuit when the threshold
// is reached. A half-open failure reopens immediately.
func (b *breaker) recordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())

	for {
		state := b.state.Load()
		switch State(state) {
		case StateClosed:
			failures := b.failures.Add(1)
			if int(failures) >= b.failureThreshold {
				if b.state.CompareAndSwap(state, int32(StateOpen)) {
					b.failures.Store(0)
					b.successes.Store(0)
					b.logger.Info("circuit breaker state transition",
						"provider", b.provider,
						"from", StateClosed.String(),
						"to", StateOpen.String())
					return
				}
				continue
			}
			return

		case StateHalfOpen:
			if b.state.CompareAndSwap(state, int32(StateOpen)) {
				b.failures.Store(0)
				b.successes.Store(0)
				b.halfOpenProbes.Store(0)
				b.logger.Info("circuit breaker state transition",
					"provider", b.provider,
					"from", StateHalfOpen.String(),
					"to", StateOpen.String())
				return
			}
			continue

		case StateOpen:
			return
		}
	}
}

// transitionTo forces a state change and resets counters.
func (b *breaker) transitionTo(newState State) {
	oldState := State(b.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	b.failures.Store(0)
	b.successes.Store(0)
	b.halfOpenProbes.Store(0)

	b.logger.Info("circuit breaker state transition",
		"provider", b.provider,
		"from", oldState.String(),
		"to", newState.String())
}
