package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genpipe-ai/genpipe/llm/transport"
)

// atomicCacheHitOrLease atomically checks for a cached value and acquires a
// lease on miss. Returns {1, cached} for a hit, {2, nil} when the lease was
// acquired, and {0, nil} when another holder has the lease.
//
// KEYS[1] = cacheKey
// KEYS[2] = leaseKey
// ARGV[1] = lease TTL in seconds
const atomicCacheHitOrLease = `
	local cached = redis.call('GET', KEYS[1])
	if cached then
		if string.len(cached) < 2 or string.sub(cached, 1, 1) ~= '{' then
			redis.call('DEL', KEYS[1])
			local leased = redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[1])
			if leased then return {2, nil} else return {0, nil} end
		end
		return {1, cached}
	end

	local leased = redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[1])
	if leased then return {2, nil} end
	return {0, nil}
`

// cacheStatus is the outcome of an atomic cache-and-lease operation.
type cacheStatus int

const (
	leaseFailed   cacheStatus = 0
	cacheHit      cacheStatus = 1
	leaseAcquired cacheStatus = 2
)

// entry is the compact stored form of a cached response.
type entry struct {
	Provider        string                    `json:"provider"`
	Model           string                    `json:"model"`
	Content         string                    `json:"content"`
	FinishReason    transport.FinishReason    `json:"finish_reason"`
	RawResponse     []byte                    `json:"raw_response,omitempty"`
	ResponseHeaders map[string]string         `json:"response_headers,omitempty"`
	Usage           transport.NormalizedUsage `json:"usage"`
	StoredAtUnixMs  int64                     `json:"stored_at_ms"`
}

// checkAndLease performs an atomic cache check and lease acquisition via a
// Lua script. This prevents concurrent identical requests from racing past a
// cache miss and duplicating provider work.
func (c *cacheMiddleware) checkAndLease(
	ctx context.Context, cacheKey, leaseKey string, leaseTTL time.Duration,
) (cacheStatus, *transport.Response, bool, error) {
	if c.client == nil {
		return leaseAcquired, nil, true, nil
	}

	result, err := c.client.Eval(ctx, atomicCacheHitOrLease,
		[]string{cacheKey, leaseKey},
		int(leaseTTL.Seconds())).Result()
	if err != nil {
		return leaseFailed, nil, false, fmt.Errorf("atomic check-and-lease failed: %w", err)
	}

	resultSlice, ok := result.([]any)
	if !ok || len(resultSlice) != 2 {
		return leaseFailed, nil, false, fmt.Errorf("unexpected script result format")
	}

	statusCode, ok := resultSlice[0].(int64)
	if !ok {
		return leaseFailed, nil, false, fmt.Errorf("invalid status code in script result")
	}

	status := cacheStatus(statusCode)

	switch status {
	case cacheHit:
		// Eval returns different types depending on Lua script output.
		var raw []byte
		switch v := resultSlice[1].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return leaseFailed, nil, false, fmt.Errorf("invalid cached data type %T", v)
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.logger.Error("cache entry unmarshal failed after script validation",
				"error", err, "key", cacheKey)
			return leaseFailed, nil, false, fmt.Errorf("cache entry unmarshal failed: %w", err)
		}

		return cacheHit, entryToResponse(&e), false, nil

	case leaseAcquired:
		return leaseAcquired, nil, true, nil

	default:
		return leaseFailed, nil, false, nil
	}
}

// get retrieves a cached response directly, used as a fallback in lease
// retry scenarios. Returns redis.Nil when absent or corrupted.
func (c *cacheMiddleware) get(ctx context.Context, key string) (*transport.Response, error) {
	if c.client == nil {
		return nil, redis.Nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Error("cache unmarshal error", "error", err, "key", key)
		_ = c.client.Del(ctx, key)
		return nil, redis.Nil
	}

	return entryToResponse(&e), nil
}

// set stores a compact cache entry with the configured TTL.
func (c *cacheMiddleware) set(
	ctx context.Context,
	key string,
	resp *transport.Response,
	req *transport.Request,
) error {
	if c.client == nil {
		return nil
	}

	e := responseToEntry(resp, req)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// responseToEntry converts a response into its compact stored form. Only
// essential headers are kept to minimize Redis memory usage.
func responseToEntry(resp *transport.Response, req *transport.Request) *entry {
	essential := make(map[string]string)
	for key, values := range resp.Headers {
		if len(values) > 0 {
			switch key {
			case "Content-Type", "X-Request-Id", "X-Ratelimit-Remaining":
				essential[key] = values[0]
			}
		}
	}

	return &entry{
		Provider:        req.Provider,
		Model:           req.Model,
		Content:         resp.Content,
		FinishReason:    resp.FinishReason,
		RawResponse:     resp.RawBody,
		ResponseHeaders: essential,
		Usage:           resp.Usage,
		StoredAtUnixMs:  time.Now().UnixMilli(),
	}
}

// entryToResponse reconstructs a response from its stored form. Reconstructed
// responses are flagged as cache-served so downstream accounting can skip
// cost attribution.
func entryToResponse(e *entry) *transport.Response {
	headers := make(map[string][]string, len(e.ResponseHeaders))
	for key, value := range e.ResponseHeaders {
		headers[key] = []string{value}
	}

	return &transport.Response{
		Content:      e.Content,
		FinishReason: e.FinishReason,
		Usage:        e.Usage,
		FromCache:    true,
		Headers:      headers,
		RawBody:      e.RawResponse,
	}
}
