package adapters

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// OllamaAdapter handles Ollama native API requests.
// /api/chat uses messages[] with string content, /api/generate uses a
// single prompt plus an optional system field. Responses carry the text in
// message.content or response, and usage as prompt_eval_count/eval_count.
type OllamaAdapter struct {
	BaseAdapter
	openai *OpenAIAdapter
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter {
	return &OllamaAdapter{
		BaseAdapter: BaseAdapter{
			name:     "ollama",
			provider: ProviderOllama,
		},
		openai: NewOpenAIAdapter(),
	}
}

// MatchRequest requires an Ollama-only field next to messages or prompt.
func (a *OllamaAdapter) MatchRequest(root gjson.Result) bool {
	if !root.Get("messages").IsArray() && root.Get("prompt").Type != gjson.String {
		return false
	}
	for _, key := range []string{"options", "keep_alive", "format", "raw", "images"} {
		if root.Get(key).Exists() {
			return true
		}
	}
	return false
}

// ExtractPrompt extracts /api/chat messages or /api/generate system + prompt.
func (a *OllamaAdapter) ExtractPrompt(body []byte, roles []string) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	c := newCollector(roles)
	switch {
	case root.Get("messages").IsArray():
		for i, msg := range root.Get("messages").Array() {
			c.text(fmt.Sprintf("messages.%d.content", i), msg.Get("role").String(), msg.Get("content"))
		}
	case root.Get("prompt").Exists():
		c.text("system", "system", root.Get("system"))
		c.text("prompt", "user", root.Get("prompt"))
	default:
		return nil, unadaptable("ollama body has no messages or prompt")
	}
	return c.result("prompt")
}

// ExtractCompletion extracts message.content (chat) or response (generate).
func (a *OllamaAdapter) ExtractCompletion(body []byte) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	c := newCollector(nil)
	switch {
	case root.Get("message").IsObject():
		c.text("message.content", "assistant", root.Get("message.content"))
	case root.Get("response").Exists():
		c.text("response", "assistant", root.Get("response"))
	default:
		return nil, unadaptable("ollama response has no message or response")
	}
	return c.result("completion")
}

// ExtractUsage extracts token usage from Ollama API response.
// Ollama format: {"prompt_eval_count": N, "eval_count": N}
// Also supports OpenAI format as fallback (some Ollama versions return it).
func (a *OllamaAdapter) ExtractUsage(responseBody []byte) UsageInfo {
	root := gjson.ParseBytes(responseBody)
	in := int(root.Get("prompt_eval_count").Int())
	out := int(root.Get("eval_count").Int())
	if in > 0 || out > 0 {
		return UsageInfo{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	}
	return a.openai.ExtractUsage(responseBody)
}

// Ensure OllamaAdapter implements Adapter
var _ Adapter = (*OllamaAdapter)(nil)
