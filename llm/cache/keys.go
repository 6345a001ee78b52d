package cache

import (
	"fmt"

	"github.com/genpipe-ai/genpipe/llm/transport"
)

// Idempotency key constraints.
const (
	maxIdempotencyKeyLength = 256
	minIdempotencyKeyLength = 8
)

// buildKey constructs a cache key for a request after validating its fields.
// The key format is "genpipe:gen:{idemkey}".
func buildKey(req *transport.Request) (string, error) {
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("idempotency key is required for caching")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return "", fmt.Errorf("idempotency key too long (max %d chars): %d",
			maxIdempotencyKeyLength, len(req.IdempotencyKey))
	}
	if len(req.IdempotencyKey) < minIdempotencyKeyLength {
		return "", fmt.Errorf("idempotency key too short (min %d chars): %d",
			minIdempotencyKeyLength, len(req.IdempotencyKey))
	}

	return fmt.Sprintf("genpipe:gen:%s", req.IdempotencyKey), nil
}
