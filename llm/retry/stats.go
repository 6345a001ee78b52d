package retry

import (
	"sync/atomic"
	"time"
)

// retryStats tracks attempt metrics with atomic counters.
type retryStats struct {
	totalAttempts           atomic.Int64
	successfulRetries       atomic.Int64
	failedRetries           atomic.Int64
	successfulFirstAttempts atomic.Int64
	maxBackoff              atomic.Int64 // nanoseconds
}

// Stats is a snapshot of retry middleware activity.
type Stats struct {
	// TotalAttempts counts every request, including initial attempts and retries.
	TotalAttempts int64 `json:"total_attempts"`
	// SuccessfulRetries counts requests that succeeded only after one or more retries.
	SuccessfulRetries int64 `json:"successful_retries"`
	// FailedRetries counts requests that failed after exhausting all attempts.
	FailedRetries int64 `json:"failed_retries"`
	// AverageAttempts is the average number of attempts per request.
	AverageAttempts float64 `json:"average_attempts"`
	// MaxBackoff is the longest backoff applied so far.
	MaxBackoff time.Duration `json:"max_backoff"`
}

// recordBackoffMetrics updates the max backoff gauge atomically.
func (r *retryMiddleware) recordBackoffMetrics(backoff time.Duration) {
	backoffNanos := backoff.Nanoseconds()
	for {
		current := r.stats.maxBackoff.Load()
		if backoffNanos <= current {
			break
		}
		if r.stats.maxBackoff.CompareAndSwap(current, backoffNanos) {
			break
		}
	}
}

// Snapshot returns the current retry statistics.
func (r *retryMiddleware) Snapshot() *Stats {
	totalAttempts := r.stats.totalAttempts.Load()
	successfulRetries := r.stats.successfulRetries.Load()
	failedRetries := r.stats.failedRetries.Load()
	successfulFirstAttempts := r.stats.successfulFirstAttempts.Load()

	averageAttempts := 1.0
	if totalRequests := successfulFirstAttempts + successfulRetries + failedRetries; totalRequests > 0 {
		averageAttempts = float64(totalAttempts) / float64(totalRequests)
	}

	return &Stats{
		TotalAttempts:     totalAttempts,
		SuccessfulRetries: successfulRetries,
		FailedRetries:     failedRetries,
		AverageAttempts:   averageAttempts,
		MaxBackoff:        time.Duration(r.stats.maxBackoff.Load()),
	}
}
