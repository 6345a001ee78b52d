package transport

// contextKey is a private type for context values shared between middleware.
type contextKey string

// HalfOpenProbeKey marks a request as a circuit breaker half-open probe.
// The retry middleware limits probe requests to a single attempt.
const HalfOpenProbeKey contextKey = "circuit_breaker_half_open_probe"
