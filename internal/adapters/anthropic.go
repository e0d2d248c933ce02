package adapters

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// AnthropicAdapter handles Anthropic Messages API requests.
// Anthropic keeps the system prompt at the top level and uses content
// blocks with type:"text" for prose; tool_use/tool_result/image blocks are
// never touched.
type AnthropicAdapter struct {
	BaseAdapter
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		BaseAdapter: BaseAdapter{
			name:     "anthropic",
			provider: ProviderAnthropic,
		},
	}
}

// MatchRequest accepts Messages API bodies and legacy Text Completions
// ("\n\nHuman:" prompts). Chat bodies carrying OpenAI-only roles are
// rejected.
func (a *AnthropicAdapter) MatchRequest(root gjson.Result) bool {
	if p := root.Get("prompt"); p.Type == gjson.String {
		return strings.Contains(p.Str, "Human:")
	}

	msgs := root.Get("messages")
	if !msgs.IsArray() || !allHaveRole(msgs) {
		return false
	}
	foreign := false
	msgs.ForEach(func(_, m gjson.Result) bool {
		switch m.Get("role").String() {
		case "system", "developer", "tool", "function":
			foreign = true
		}
		return !foreign
	})
	if foreign {
		return false
	}
	return root.Get("system").Exists() ||
		root.Get("anthropic_version").Exists() ||
		root.Get("max_tokens").Exists() ||
		root.Get("stop_sequences").Exists()
}

// =============================================================================
// PROMPT
// =============================================================================

// ExtractPrompt extracts system and message text.
// Anthropic format: {"system": "..." | [{"type":"text","text":"..."}], "messages": [{"role":"user","content":"..." | [...]}]}
func (a *AnthropicAdapter) ExtractPrompt(body []byte, roles []string) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	msgs := root.Get("messages")
	legacy := root.Get("prompt")
	if !msgs.IsArray() && legacy.Type != gjson.String {
		return nil, unadaptable("anthropic body has no messages or prompt")
	}

	c := newCollector(roles)
	c.content("system", "system", root.Get("system"), "text")
	for i, msg := range msgs.Array() {
		c.content(fmt.Sprintf("messages.%d.content", i), msg.Get("role").String(), msg.Get("content"), "text")
	}
	c.text("prompt", "user", legacy)
	return c.result("prompt")
}

// =============================================================================
// COMPLETION
// =============================================================================

// ExtractCompletion extracts text blocks from content[], or the legacy
// "completion" field.
func (a *AnthropicAdapter) ExtractCompletion(body []byte) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	c := newCollector(nil)
	switch {
	case root.Get("content").IsArray():
		c.content("content", "assistant", root.Get("content"), "text")
	case root.Get("completion").Exists():
		c.text("completion", "assistant", root.Get("completion"))
	default:
		return nil, unadaptable("anthropic response has no content or completion")
	}
	return c.result("completion")
}

// =============================================================================
// METADATA
// =============================================================================

// ExtractUsage extracts token usage from Anthropic API response.
// Anthropic format: {"usage": {"input_tokens": N, "output_tokens": N}}
func (a *AnthropicAdapter) ExtractUsage(responseBody []byte) UsageInfo {
	usage := gjson.GetBytes(responseBody, "usage")
	if !usage.IsObject() {
		return UsageInfo{}
	}
	in := int(usage.Get("input_tokens").Int())
	out := int(usage.Get("output_tokens").Int())
	return UsageInfo{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// ExtractModel strips a provider prefix if present
// (e.g., "anthropic/claude-3-5-sonnet" -> "claude-3-5-sonnet").
func (a *AnthropicAdapter) ExtractModel(requestBody []byte) string {
	return strings.TrimPrefix(a.BaseAdapter.ExtractModel(requestBody), "anthropic/")
}

// Ensure AnthropicAdapter implements Adapter
var _ Adapter = (*AnthropicAdapter)(nil)
