package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CurrentCanonicalVersion defines the canonicalization format version.
// Increment when canonicalization logic changes to invalidate stale cache
// entries and prevent hash collisions between formats.
const CurrentCanonicalVersion = "v1.0"

// Validation errors for canonical payloads.
var (
	ErrProviderRequired = errors.New("provider is required")
	ErrModelRequired    = errors.New("model is required")
	ErrPromptRequired   = errors.New("prompt is required")
)

// CanonicalPayload represents the normalized, stable form of a logical model
// request. It is the sole input to IdemKey hashing and MUST be deterministic
// across equivalent requests regardless of input variation. All fields undergo
// normalization so identical requests produce identical keys for proper cache
// deduplication.
type CanonicalPayload struct {
	Provider string         `json:"provider"`         // openai|anthropic|google
	Model    string         `json:"model"`            // Model identifier
	System   string         `json:"system,omitempty"` // Normalized system prompt
	Prompt   string         `json:"prompt"`           // Normalized user prompt
	Params   map[string]any `json:"params,omitempty"` // Non-default parameters
	Seed     *int64         `json:"seed,omitempty"`   // Optional seed for determinism
	Version  string         `json:"version"`          // Canonicalization version
}

// IdemKey provides deterministic SHA-256 hex identification for canonical
// payloads. Keys are computed from stable JSON serialization, ensuring
// equivalent requests generate identical keys for cache lookup and
// deduplication.
type IdemKey string

// String returns the key as a plain string.
func (k IdemKey) String() string { return string(k) }

// BuildCanonicalPayload transforms a model request into normalized canonical
// form. Equivalent requests produce identical canonical representations by
// applying consistent text normalization and parameter filtering.
func BuildCanonicalPayload(req *Request) (*CanonicalPayload, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	model := strings.TrimSpace(req.Model)

	if provider == "" {
		return nil, ErrProviderRequired
	}
	if model == "" {
		return nil, ErrModelRequired
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrPromptRequired
	}

	payload := &CanonicalPayload{
		Provider: provider,
		Model:    model,
		Prompt:   normalizeText(req.Prompt),
		Version:  CurrentCanonicalVersion,
	}

	if req.SystemPrompt != "" {
		payload.System = normalizeText(req.SystemPrompt)
	}

	// Include only non-default parameters to minimize cache key variations.
	params := make(map[string]any)
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		params["temperature"] = req.Temperature
	}
	if len(params) > 0 {
		payload.Params = params
	}

	if req.Seed != nil {
		payload.Seed = req.Seed
	}

	return payload, nil
}

// GenerateIdemKey derives the idempotency key for a request.
// The key is a SHA-256 hex digest of the canonical payload's JSON form;
// encoding/json marshals struct fields in declaration order and map keys
// sorted, so the serialization is stable.
func GenerateIdemKey(req *Request) (IdemKey, error) {
	payload, err := BuildCanonicalPayload(req)
	if err != nil {
		return "", fmt.Errorf("failed to build canonical payload: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return IdemKey(hex.EncodeToString(sum[:])), nil
}

// normalizeText collapses whitespace variations that do not change meaning.
// Trims surrounding space and normalizes line endings so that cosmetically
// different prompts hash identically.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}
