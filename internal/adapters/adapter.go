// Package adapters provides provider-specific payload handling.
//
// DESIGN: The gateway supports multiple LLM wire formats. Adapters abstract
// the differences for the stego pipe using two Extract/Reinject pairs:
//
//   - Prompt:     ExtractPrompt / Reinject                  (request side)
//   - Completion: ExtractCompletion / ReinjectCompletion    (response side)
//
// Bodies are never decoded into Go structs and re-encoded. Extraction walks
// the raw JSON with gjson and returns Span paths; reinjection writes each
// changed span with sjson, so every other byte (field order, whitespace,
// number formatting) is preserved.
//
// FLOW:
//  1. Registry.Detect matches the body shape against each enabled adapter
//  2. Pipe calls ExtractPrompt(body) to get text spans
//  3. Pipe rewrites the span text
//  4. Pipe calls Reinject(body, spans) to patch results back
//
// To add a new provider: implement Adapter interface and register in Registry.
package adapters

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Adapter defines the unified interface for provider-specific payloads.
// Adapters are stateless and thread-safe.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "openai", "anthropic")
	Name() string

	// Provider returns the provider type for this adapter
	Provider() Provider

	// MatchRequest reports whether a parsed request body has this
	// provider's shape.
	MatchRequest(root gjson.Result) bool

	// =========================================================================
	// PROMPT - request side
	// =========================================================================

	// ExtractPrompt returns, in document order, every prompt text field
	// spoken by one of roles (all roles when empty).
	ExtractPrompt(body []byte, roles []string) ([]Span, error)

	// Reinject writes span text back. Only span values change.
	Reinject(body []byte, spans []Span) ([]byte, error)

	// =========================================================================
	// COMPLETION - response side
	// =========================================================================

	// ExtractCompletion returns every completion text field of a
	// non-streaming response.
	ExtractCompletion(body []byte) ([]Span, error)

	// ReinjectCompletion writes completion span text back.
	ReinjectCompletion(body []byte, spans []Span) ([]byte, error)

	// =========================================================================
	// METADATA
	// =========================================================================

	// ExtractUsage extracts token usage from API response body.
	ExtractUsage(responseBody []byte) UsageInfo

	// ExtractModel extracts the model name from request body.
	ExtractModel(requestBody []byte) string
}

// BaseAdapter provides common functionality for all adapters.
type BaseAdapter struct {
	name     string
	provider Provider
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}

// Reinject is shared by every adapter: spans are plain JSON string paths.
func (a *BaseAdapter) Reinject(body []byte, spans []Span) ([]byte, error) {
	return reinject(body, spans)
}

// ReinjectCompletion is shared by every adapter.
func (a *BaseAdapter) ReinjectCompletion(body []byte, spans []Span) ([]byte, error) {
	return reinject(body, spans)
}

// ExtractModel reads the top-level "model" field.
func (a *BaseAdapter) ExtractModel(requestBody []byte) string {
	return gjson.GetBytes(requestBody, "model").String()
}

// =============================================================================
// HELPERS
// =============================================================================

// WantsStream reports whether the request asks for a streamed response.
func WantsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// parse validates body and returns its root object.
func parse(body []byte) (gjson.Result, error) {
	if len(body) == 0 {
		return gjson.Result{}, unadaptable("empty body")
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, unadaptable("malformed JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gjson.Result{}, unadaptable("body is not a JSON object")
	}
	return root, nil
}

// reinject is all-or-nothing: every span must point at an existing string
// before anything is written.
func reinject(body []byte, spans []Span) ([]byte, error) {
	if _, err := parse(body); err != nil {
		return nil, err
	}

	changed := make([]Span, 0, len(spans))
	for _, s := range spans {
		cur := gjson.GetBytes(body, s.Path)
		if !cur.Exists() || cur.Type != gjson.String {
			return nil, unadaptable("path %q is not a string field", s.Path)
		}
		if cur.String() != s.Text {
			changed = append(changed, s)
		}
	}
	if len(changed) == 0 {
		return body, nil
	}

	out := append([]byte(nil), body...)
	for _, s := range changed {
		var err error
		out, err = sjson.SetBytes(out, s.Path, s.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to set %q: %w", s.Path, err)
		}
	}
	return out, nil
}

// collector gathers spans for the allowed roles.
type collector struct {
	roles map[string]bool // nil = all roles
	spans []Span
}

func newCollector(roles []string) *collector {
	c := &collector{}
	if len(roles) > 0 {
		c.roles = make(map[string]bool, len(roles))
		for _, r := range roles {
			c.roles[normalizeRole(r)] = true
		}
	}
	return c
}

func (c *collector) allows(role string) bool {
	return c.roles == nil || c.roles[normalizeRole(role)]
}

// text adds v when it is a non-empty string.
func (c *collector) text(path, role string, v gjson.Result) {
	if v.Type != gjson.String || v.Str == "" || !c.allows(role) {
		return
	}
	c.spans = append(c.spans, Span{Path: path, Text: v.Str, Role: normalizeRole(role)})
}

// content adds a string value, or the text of every block whose type is in
// blockTypes when v is an array.
func (c *collector) content(path, role string, v gjson.Result, blockTypes ...string) {
	if v.Type == gjson.String {
		c.text(path, role, v)
		return
	}
	if !v.IsArray() {
		return
	}
	for j, block := range v.Array() {
		if !hasType(block, blockTypes) {
			continue
		}
		c.text(fmt.Sprintf("%s.%d.text", path, j), role, block.Get("text"))
	}
}

func (c *collector) result(what string) ([]Span, error) {
	if len(c.spans) == 0 {
		return nil, unadaptable("no eligible %s text", what)
	}
	return c.spans, nil
}

func hasType(block gjson.Result, types []string) bool {
	t := block.Get("type").String()
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// normalizeRole folds provider role names onto system/user/assistant.
func normalizeRole(role string) string {
	switch r := strings.ToLower(role); r {
	case "developer":
		return "system"
	case "model":
		return "assistant"
	default:
		return r
	}
}
