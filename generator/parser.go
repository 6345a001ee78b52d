package generator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// OutputParser converts raw model text into structured data. Parsers must be
// safe for concurrent use; panics inside Parse are recovered by the
// orchestrator and reported as parse failures.
type OutputParser interface {
	// Parse converts the raw response into the parser's output type.
	Parse(raw string) (any, error)

	// Name returns the registered parser name.
	Name() string
}

// TextParser returns the raw response trimmed of surrounding whitespace.
type TextParser struct{}

// Parse implements OutputParser.
func (TextParser) Parse(raw string) (any, error) {
	return strings.TrimSpace(raw), nil
}

// Name implements OutputParser.
func (TextParser) Name() string { return "text" }

// JSONParser decodes the response as a single JSON document. Markdown code
// fences around the document are stripped first since models frequently wrap
// JSON output in them.
type JSONParser struct{}

// Parse implements OutputParser.
func (JSONParser) Parse(raw string) (any, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, fmt.Errorf("empty response, expected JSON")
	}

	var data any
	decoder := json.NewDecoder(strings.NewReader(cleaned))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return data, nil
}

// Name implements OutputParser.
func (JSONParser) Name() string { return "json" }

// stripCodeFence removes a surrounding markdown code fence, with or without
// a language tag.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[idx+1:]
	}
	rest = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	return strings.TrimSpace(rest)
}

// parserRegistry maps parser names to constructors so declarative configs
// can reference parsers by name.
var (
	parserMu       sync.RWMutex
	parserRegistry = map[string]func() OutputParser{
		"text": func() OutputParser { return TextParser{} },
		"json": func() OutputParser { return JSONParser{} },
	}
)

// RegisterParser makes a parser constructor available under the given name.
// Registering an existing name replaces the previous constructor.
func RegisterParser(name string, constructor func() OutputParser) error {
	if name == "" {
		return fmt.Errorf("parser name is required")
	}
	if constructor == nil {
		return fmt.Errorf("parser constructor is required")
	}

	parserMu.Lock()
	defer parserMu.Unlock()
	parserRegistry[name] = constructor
	return nil
}

// NewParser constructs a registered parser by name. An empty name yields the
// text parser.
func NewParser(name string) (OutputParser, error) {
	if name == "" {
		name = "text"
	}

	parserMu.RLock()
	constructor, ok := parserRegistry[name]
	parserMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return constructor(), nil
}
