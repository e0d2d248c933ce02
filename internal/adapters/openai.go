package adapters

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// OpenAIAdapter handles the three OpenAI request families:
//
//   - Chat Completions: messages[].content (string or text parts)
//   - Completions:      prompt (string or array of strings)
//   - Responses:        instructions + input (string or message items)
type OpenAIAdapter struct {
	BaseAdapter
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{
		BaseAdapter: BaseAdapter{
			name:     "openai",
			provider: ProviderOpenAI,
		},
	}
}

// MatchRequest accepts any of the three request families.
func (a *OpenAIAdapter) MatchRequest(root gjson.Result) bool {
	if msgs := root.Get("messages"); msgs.IsArray() {
		return allHaveRole(msgs)
	}
	if p := root.Get("prompt"); p.Type == gjson.String || p.IsArray() {
		return root.Get("model").Exists()
	}
	if in := root.Get("input"); in.Type == gjson.String || in.IsArray() {
		return root.Get("model").Exists()
	}
	return false
}

// =============================================================================
// PROMPT
// =============================================================================

// ExtractPrompt extracts prompt spans from whichever family the body uses.
func (a *OpenAIAdapter) ExtractPrompt(body []byte, roles []string) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	c := newCollector(roles)
	switch {
	case root.Get("messages").IsArray():
		for i, msg := range root.Get("messages").Array() {
			c.content(fmt.Sprintf("messages.%d.content", i), msg.Get("role").String(), msg.Get("content"), "text")
		}
	case root.Get("input").Exists():
		a.extractResponsesInput(c, root)
	case root.Get("prompt").Exists():
		prompt := root.Get("prompt")
		if prompt.IsArray() {
			for i, p := range prompt.Array() {
				c.text(fmt.Sprintf("prompt.%d", i), "user", p)
			}
		} else {
			c.text("prompt", "user", prompt)
		}
	default:
		return nil, unadaptable("openai body has no messages, input or prompt")
	}
	return c.result("prompt")
}

// extractResponsesInput handles the Responses API.
// Format: {"instructions": "...", "input": "..." | [{"type":"message","role":"user","content":[{"type":"input_text","text":"..."}]}]}
func (a *OpenAIAdapter) extractResponsesInput(c *collector, root gjson.Result) {
	c.text("instructions", "system", root.Get("instructions"))

	input := root.Get("input")
	if input.Type == gjson.String {
		c.text("input", "user", input)
		return
	}
	for i, item := range input.Array() {
		typ := item.Get("type").String()
		if typ != "" && typ != "message" {
			continue
		}
		c.content(fmt.Sprintf("input.%d.content", i), item.Get("role").String(), item.Get("content"), "input_text", "text")
	}
}

// =============================================================================
// COMPLETION
// =============================================================================

// ExtractCompletion handles choices[] (chat and completions) and output[]
// (Responses API).
func (a *OpenAIAdapter) ExtractCompletion(body []byte) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	c := newCollector(nil)
	switch {
	case root.Get("choices").IsArray():
		for i, choice := range root.Get("choices").Array() {
			c.content(fmt.Sprintf("choices.%d.message.content", i), "assistant", choice.Get("message.content"), "text")
			c.text(fmt.Sprintf("choices.%d.text", i), "assistant", choice.Get("text"))
		}
	case root.Get("output").IsArray():
		for i, item := range root.Get("output").Array() {
			if item.Get("type").String() != "message" {
				continue
			}
			c.content(fmt.Sprintf("output.%d.content", i), "assistant", item.Get("content"), "output_text")
		}
	default:
		return nil, unadaptable("openai response has no choices or output")
	}
	return c.result("completion")
}

// =============================================================================
// METADATA
// =============================================================================

// ExtractUsage extracts token usage from OpenAI API response.
// Chat format: {"usage": {"prompt_tokens": N, "completion_tokens": N, "total_tokens": N}}
// Responses format: {"usage": {"input_tokens": N, "output_tokens": N, "total_tokens": N}}
func (a *OpenAIAdapter) ExtractUsage(responseBody []byte) UsageInfo {
	usage := gjson.GetBytes(responseBody, "usage")
	if !usage.IsObject() {
		return UsageInfo{}
	}

	in := usage.Get("prompt_tokens").Int()
	if in == 0 {
		in = usage.Get("input_tokens").Int()
	}
	out := usage.Get("completion_tokens").Int()
	if out == 0 {
		out = usage.Get("output_tokens").Int()
	}
	total := usage.Get("total_tokens").Int()
	if total == 0 {
		total = in + out
	}
	return UsageInfo{InputTokens: int(in), OutputTokens: int(out), TotalTokens: int(total)}
}

// ExtractModel extracts the model name, stripping a provider prefix
// (e.g., "openai/gpt-4o" -> "gpt-4o").
func (a *OpenAIAdapter) ExtractModel(requestBody []byte) string {
	model := a.BaseAdapter.ExtractModel(requestBody)
	if idx := strings.Index(model, "/"); idx != -1 {
		return model[idx+1:]
	}
	return model
}

func allHaveRole(msgs gjson.Result) bool {
	ok := true
	msgs.ForEach(func(_, m gjson.Result) bool {
		ok = m.Get("role").Type == gjson.String
		return ok
	})
	return ok
}

var _ Adapter = (*OpenAIAdapter)(nil)
