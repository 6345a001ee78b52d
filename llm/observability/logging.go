// Package observability provides structured logging and metrics middleware
// for the model-client transport chain. Prompt content is redacted by
// default; only lengths are logged unless redaction is disabled.
package observability

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/genpipe-ai/genpipe/llm/configuration"
	llmerrors "github.com/genpipe-ai/genpipe/llm/errors"
	"github.com/genpipe-ai/genpipe/llm/transport"
)

// Metrics collects observability data for model operations.
// Supports counters, histograms, and gauges with tag-based dimensionality.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string, value float64)
	RecordHistogram(name string, tags map[string]string, value float64)
	SetGauge(name string, tags map[string]string, value float64)
}

// NoOpMetrics satisfies Metrics without collecting anything. Used in tests
// and when no metrics backend is wired.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a no-op metrics collector.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

func (n *NoOpMetrics) IncrementCounter(_ string, _ map[string]string, _ float64) {}

func (n *NoOpMetrics) RecordHistogram(_ string, _ map[string]string, _ float64) {}

func (n *NoOpMetrics) SetGauge(_ string, _ map[string]string, _ float64) {}

// LoggingMiddleware captures the request lifecycle with structured logs and
// metrics, classifying failures by error type for alerting.
type LoggingMiddleware struct {
	logger        *slog.Logger
	metrics       Metrics
	redactPrompts bool
}

// NewLoggingMiddleware creates observability middleware. A nil logger falls
// back to slog.Default and a nil metrics collector to NoOpMetrics.
func NewLoggingMiddleware(cfg configuration.ObservabilityConfig, logger *slog.Logger, metrics Metrics) transport.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}

	lm := &LoggingMiddleware{
		logger:        logger,
		metrics:       metrics,
		redactPrompts: cfg.RedactPrompts,
	}

	return lm.Middleware
}

// Middleware wraps a handler with request/response logging and metrics.
func (m *LoggingMiddleware) Middleware(next transport.Handler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		requestID := req.TraceID
		if requestID == "" {
			requestID = uuid.New().String()
		}

		baseTags := map[string]string{
			"provider": req.Provider,
			"model":    req.Model,
		}

		m.logRequest(req, requestID)
		m.metrics.IncrementCounter("genpipe.requests.total", baseTags, 1)

		start := time.Now()
		resp, err := next.Handle(ctx, req)
		duration := time.Since(start)

		m.metrics.RecordHistogram("genpipe.request.duration_ms", baseTags, float64(duration.Milliseconds()))

		if err != nil {
			m.logFailure(req, err, requestID, duration, baseTags)
		} else if resp != nil {
			m.logSuccess(req, resp, requestID, duration, baseTags)
		}

		return resp, err
	})
}

// logRequest records request details with configurable prompt redaction.
func (m *LoggingMiddleware) logRequest(req *transport.Request, requestID string) {
	fields := []any{
		"request_id", requestID,
		"provider", req.Provider,
		"model", req.Model,
		"max_tokens", req.MaxTokens,
		"temperature", req.Temperature,
		"timeout_seconds", req.Timeout.Seconds(),
	}

	if m.redactPrompts {
		fields = append(fields, "prompt_length", len(req.Prompt))
	} else {
		fields = append(fields, "prompt", req.Prompt)
	}

	if req.SystemPrompt != "" {
		if m.redactPrompts {
			fields = append(fields, "system_prompt_length", len(req.SystemPrompt))
		} else {
			fields = append(fields, "system_prompt", req.SystemPrompt)
		}
	}

	m.logger.Info("model request started", fields...)
}

// logFailure records error context with type classification for alerting.
func (m *LoggingMiddleware) logFailure(
	req *transport.Request,
	err error,
	requestID string,
	duration time.Duration,
	baseTags map[string]string,
) {
	errorType := "unknown"
	if pipeErr := llmerrors.Classify(err); pipeErr != nil {
		errorType = string(pipeErr.Type)
	}

	errorTags := copyTags(baseTags)
	errorTags["error_type"] = errorType
	m.metrics.IncrementCounter("genpipe.requests.errors", errorTags, 1)

	m.logger.Error("model request failed",
		"request_id", requestID,
		"provider", req.Provider,
		"model", req.Model,
		"duration_ms", duration.Milliseconds(),
		"error_type", errorType,
		"error", err.Error())
}

// logSuccess records response details and usage metrics.
func (m *LoggingMiddleware) logSuccess(
	req *transport.Request,
	resp *transport.Response,
	requestID string,
	duration time.Duration,
	baseTags map[string]string,
) {
	m.metrics.IncrementCounter("genpipe.requests.success", baseTags, 1)
	m.metrics.RecordHistogram("genpipe.tokens.prompt", baseTags, float64(resp.Usage.PromptTokens))
	m.metrics.RecordHistogram("genpipe.tokens.completion", baseTags, float64(resp.Usage.CompletionTokens))
	m.metrics.RecordHistogram("genpipe.tokens.total", baseTags, float64(resp.Usage.TotalTokens))

	fields := []any{
		"request_id", requestID,
		"provider", req.Provider,
		"model", req.Model,
		"duration_ms", duration.Milliseconds(),
		"finish_reason", resp.FinishReason,
		"from_cache", resp.FromCache,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
		"provider_request_ids", strings.Join(resp.ProviderRequestIDs, ","),
	}

	if m.redactPrompts {
		fields = append(fields, "response_length", len(resp.Content))
	} else {
		content := resp.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fields = append(fields, "response_preview", content)
	}

	m.logger.Info("model request completed", fields...)
}

// copyTags copies a tag map so per-call additions don't mutate shared tags.
func copyTags(original map[string]string) map[string]string {
	tagsCopy := make(map[string]string, len(original))
	for k, v := range original {
		tagsCopy[k] = v
	}
	return tagsCopy
}
