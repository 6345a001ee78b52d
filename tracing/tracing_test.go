package tracing_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/tracing"
)

func readJSONLines[T any](t *testing.T, path string) []T {
	t.Helper()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var records []T
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec T
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestStateLogger_DeduplicatesByHash(t *testing.T) {
	dir := t.TempDir()
	logger, err := tracing.NewStateLogger(dir, "summarizer")
	require.NoError(t, err)

	logger.LogState(&tracing.StateRecord{Generator: "summarizer", Hash: "aaa", Template: "v1"})
	logger.LogState(&tracing.StateRecord{Generator: "summarizer", Hash: "aaa", Template: "v1"})
	logger.LogState(&tracing.StateRecord{Generator: "summarizer", Hash: "bbb", Template: "v2"})

	records := readJSONLines[tracing.StateRecord](t, filepath.Join(dir, "summarizer_states.jsonl"))
	require.Len(t, records, 2)
	assert.Equal(t, "aaa", records[0].Hash)
	assert.Equal(t, "bbb", records[1].Hash)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].LoggedAt.IsZero())
}

func TestStateLogger_SameHashDifferentGenerators(t *testing.T) {
	dir := t.TempDir()
	logger, err := tracing.NewStateLogger(dir, "shared")
	require.NoError(t, err)

	logger.LogState(&tracing.StateRecord{Generator: "first", Hash: "aaa"})
	logger.LogState(&tracing.StateRecord{Generator: "second", Hash: "aaa"})

	records := readJSONLines[tracing.StateRecord](t, filepath.Join(dir, "shared_states.jsonl"))
	assert.Len(t, records, 2)
}

func TestCallLogger_RecordsFailuresOnly(t *testing.T) {
	dir := t.TempDir()
	logger, err := tracing.NewCallLogger(dir, "summarizer")
	require.NoError(t, err)

	logger.LogCall(&tracing.CallRecord{Generator: "summarizer", Error: "model invocation failed"})
	logger.LogCall(&tracing.CallRecord{Generator: "summarizer"})

	records := readJSONLines[tracing.CallRecord](t, filepath.Join(dir, "summarizer_calls.jsonl"))
	require.Len(t, records, 1)
	assert.Equal(t, "model invocation failed", records[0].Error)
}

func TestCallLogger_WithSuccesses(t *testing.T) {
	dir := t.TempDir()
	logger, err := tracing.NewCallLogger(dir, "summarizer", tracing.WithSuccesses())
	require.NoError(t, err)

	logger.LogCall(&tracing.CallRecord{Generator: "summarizer", Error: "boom"})
	logger.LogCall(&tracing.CallRecord{Generator: "summarizer", FinishReason: "stop"})

	records := readJSONLines[tracing.CallRecord](t, filepath.Join(dir, "summarizer_calls.jsonl"))
	assert.Len(t, records, 2)
}

func TestCallLogger_TruncatesRawResponse(t *testing.T) {
	dir := t.TempDir()
	logger, err := tracing.NewCallLogger(dir, "summarizer",
		tracing.WithSuccesses(), tracing.WithRawTruncation(5))
	require.NoError(t, err)

	logger.LogCall(&tracing.CallRecord{Generator: "summarizer", RawResponse: "0123456789"})

	records := readJSONLines[tracing.CallRecord](t, filepath.Join(dir, "summarizer_calls.jsonl"))
	require.Len(t, records, 1)
	assert.Equal(t, "01234", records[0].RawResponse)
}

func TestNewStateLogger_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "traces")
	_, err := tracing.NewStateLogger(dir, "gen")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
