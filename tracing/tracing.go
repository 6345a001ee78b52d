// Package tracing records generator activity to append-only JSONL files.
// StateLogger tracks prompt-state history deduplicated by hash; CallLogger
// records per-call outcomes. Both are safe for concurrent use and degrade to
// logging a warning when the sink is unwritable.
package tracing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateRecord captures one distinct prompt/template state of a generator.
type StateRecord struct {
	ID        string            `json:"id"`
	Generator string            `json:"generator"`
	Hash      string            `json:"hash"`
	Template  string            `json:"template"`
	System    string            `json:"system,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	LoggedAt  time.Time         `json:"logged_at"`
}

// CallRecord captures one pipeline invocation.
type CallRecord struct {
	ID           string    `json:"id"`
	Generator    string    `json:"generator"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	PromptHash   string    `json:"prompt_hash,omitempty"`
	Error        string    `json:"error,omitempty"`
	RawResponse  string    `json:"raw_response,omitempty"`
	TotalTokens  int64     `json:"total_tokens,omitempty"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	FromCache    bool      `json:"from_cache,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	LoggedAt     time.Time `json:"logged_at"`
}

// StateLogger appends distinct prompt states to a JSONL file. A state is
// distinct per generator when its hash has not been seen before.
type StateLogger struct {
	mu     sync.Mutex
	path   string
	seen   map[string]struct{}
	logger *slog.Logger
}

// NewStateLogger creates a state logger writing to dir/<name>_states.jsonl.
func NewStateLogger(dir, name string) (*StateLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	return &StateLogger{
		path:   filepath.Join(dir, name+"_states.jsonl"),
		seen:   make(map[string]struct{}),
		logger: slog.Default().With("component", "tracing"),
	}, nil
}

// LogState appends the record unless its hash was already recorded.
func (s *StateLogger) LogState(rec *StateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Generator + ":" + rec.Hash
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}

	rec.ID = uuid.New().String()
	rec.LoggedAt = time.Now().UTC()
	s.append(rec)
}

func (s *StateLogger) append(v any) {
	appendJSONL(s.path, v, s.logger)
}

// CallLogger appends call records to a JSONL file. Failed calls are always
// recorded; successful ones only when configured.
type CallLogger struct {
	mu            sync.Mutex
	path          string
	logSuccesses  bool
	truncateRawAt int
	logger        *slog.Logger
}

// CallLoggerOption configures a CallLogger.
type CallLoggerOption func(*CallLogger)

// WithSuccesses enables recording of successful calls as well as failures.
func WithSuccesses() CallLoggerOption {
	return func(c *CallLogger) { c.logSuccesses = true }
}

// WithRawTruncation limits stored raw responses to n bytes. Zero keeps them
// whole.
func WithRawTruncation(n int) CallLoggerOption {
	return func(c *CallLogger) { c.truncateRawAt = n }
}

// NewCallLogger creates a call logger writing to dir/<name>_calls.jsonl.
func NewCallLogger(dir, name string, opts ...CallLoggerOption) (*CallLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	c := &CallLogger{
		path:   filepath.Join(dir, name+"_calls.jsonl"),
		logger: slog.Default().With("component", "tracing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LogCall appends the record when it represents a failure, or any call when
// success logging is enabled.
func (c *CallLogger) LogCall(rec *CallRecord) {
	if rec.Error == "" && !c.logSuccesses {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec.ID = uuid.New().String()
	rec.LoggedAt = time.Now().UTC()
	if c.truncateRawAt > 0 && len(rec.RawResponse) > c.truncateRawAt {
		rec.RawResponse = rec.RawResponse[:c.truncateRawAt]
	}
	appendJSONL(c.path, rec, c.logger)
}

// appendJSONL marshals v and appends it as one line. Sink errors are logged,
// never returned, so tracing can't fail a pipeline call.
func appendJSONL(path string, v any, logger *slog.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("failed to marshal trace record", "error", err, "path", path)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("failed to open trace file", "error", err, "path", path)
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn("failed to write trace record", "error", err, "path", path)
	}
}
