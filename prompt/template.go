// Package prompt implements the templating stage of the generation pipeline.
// A Template wraps text/template with strict missing-key handling, optional
// system sections, and deterministic hashing of template state so renders are
// reproducible and auditable.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// DefaultChatTemplate is the fallback user-section template when none is
// configured. It expects a single "input" variable.
const DefaultChatTemplate = `{{.input}}`

// variablePattern extracts {{.name}} references for variable listing.
var variablePattern = regexp.MustCompile(`\{\{\s*\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Template is a compiled prompt template pairing an optional system section
// with a user section. Rendering with an unbound variable fails rather than
// silently emitting "<no value>".
type Template struct {
	name       string
	userText   string
	systemText string

	user   *template.Template
	system *template.Template

	defaults map[string]string
}

// Rendered is the result of a template render: the final prompt sections,
// the variables that produced them, and a deterministic state hash.
type Rendered struct {
	// System is the rendered system section, empty when none is configured.
	System string `json:"system,omitempty"`

	// User is the rendered user prompt.
	User string `json:"user"`

	// Variables are the resolved values used for this render.
	Variables map[string]string `json:"variables"`

	// Hash is the SHA-256 hex digest of template text plus rendered output.
	// Identical template state always produces identical hashes.
	Hash string `json:"hash"`
}

// Option configures a Template during construction.
type Option func(*Template)

// WithSystem sets the system-section template body.
func WithSystem(body string) Option {
	return func(t *Template) { t.systemText = body }
}

// WithDefaults sets default variable values, overridable per render.
func WithDefaults(vars map[string]string) Option {
	return func(t *Template) { t.defaults = cloneVars(vars) }
}

// New compiles a prompt template. An empty body falls back to
// DefaultChatTemplate. Compilation errors surface here, not at render time.
func New(name, body string, opts ...Option) (*Template, error) {
	if name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	if body == "" {
		body = DefaultChatTemplate
	}

	t := &Template{
		name:     name,
		userText: body,
		defaults: map[string]string{},
	}
	for _, opt := range opts {
		opt(t)
	}

	user, err := template.New(name).Option("missingkey=error").Parse(t.userText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
	}
	t.user = user

	if t.systemText != "" {
		system, err := template.New(name + ":system").Option("missingkey=error").Parse(t.systemText)
		if err != nil {
			return nil, fmt.Errorf("failed to parse system template %q: %w", name, err)
		}
		t.system = system
	}

	return t, nil
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Text returns the raw user-section template body.
func (t *Template) Text() string { return t.userText }

// SystemText returns the raw system-section template body, empty when none.
func (t *Template) SystemText() string { return t.systemText }

// Variables lists the variable names referenced by the template, sorted and
// deduplicated across both sections. Used for diagnostics and config
// validation; a render may still fail on variables in conditional branches.
func (t *Template) Variables() []string {
	seen := map[string]struct{}{}
	for _, text := range []string{t.userText, t.systemText} {
		for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
			seen[match[1]] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render resolves variables (per-call values override defaults) and executes
// both sections. A reference to an unbound variable returns an error.
func (t *Template) Render(vars map[string]string) (*Rendered, error) {
	resolved := cloneVars(t.defaults)
	for k, v := range vars {
		resolved[k] = v
	}

	user, err := execute(t.user, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to render template %q: %w", t.name, err)
	}

	var system string
	if t.system != nil {
		system, err = execute(t.system, resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to render system template %q: %w", t.name, err)
		}
	}

	return &Rendered{
		System:    system,
		User:      user,
		Variables: resolved,
		Hash:      stateHash(t.userText, t.systemText, system, user),
	}, nil
}

// execute runs a compiled template against string variables.
func execute(tmpl *template.Template, vars map[string]string) (string, error) {
	// text/template's missingkey=error requires map[string]any.
	data := make(map[string]any, len(vars))
	for k, v := range vars {
		data[k] = v
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// stateHash computes the SHA-256 digest of template text and rendered output.
// Sections are length-prefixed so boundary shifts can't collide.
func stateHash(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(hasher, "%d:", len(part))
		hasher.Write([]byte(part))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func cloneVars(vars map[string]string) map[string]string {
	cloned := make(map[string]string, len(vars))
	for k, v := range vars {
		cloned[k] = v
	}
	return cloned
}
