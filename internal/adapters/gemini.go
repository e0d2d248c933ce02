package adapters

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// GeminiAdapter handles Google Gemini generateContent requests.
// Gemini uses contents[]/parts[] with roles "user" and "model", and keeps
// the system prompt in systemInstruction.
//
// Key format differences:
//   - Text lives in parts[].text; functionCall/functionResponse/inlineData parts are skipped
//   - Usage: usageMetadata.promptTokenCount/candidatesTokenCount/totalTokenCount
//   - Model: in URL path (/models/{model}:generateContent), not request body
type GeminiAdapter struct {
	BaseAdapter
}

// NewGeminiAdapter creates a new Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{
		BaseAdapter: BaseAdapter{
			name:     "gemini",
			provider: ProviderGemini,
		},
	}
}

// MatchRequest requires a contents[] array.
func (a *GeminiAdapter) MatchRequest(root gjson.Result) bool {
	return root.Get("contents").IsArray()
}

// ExtractPrompt extracts systemInstruction and contents text parts.
//
//	{"systemInstruction": {"parts": [{"text": "..."}]},
//	 "contents": [{"role": "user", "parts": [{"text": "..."}]}]}
func (a *GeminiAdapter) ExtractPrompt(body []byte, roles []string) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}
	if !root.Get("contents").IsArray() {
		return nil, unadaptable("gemini body has no contents")
	}

	c := newCollector(roles)
	for _, key := range []string{"systemInstruction", "system_instruction"} {
		collectParts(c, key+".parts", "system", root.Get(key+".parts"))
	}
	for i, content := range root.Get("contents").Array() {
		role := content.Get("role").String()
		if role == "" {
			role = "user"
		}
		collectParts(c, fmt.Sprintf("contents.%d.parts", i), role, content.Get("parts"))
	}
	return c.result("prompt")
}

// ExtractCompletion extracts candidates[].content.parts[].text.
func (a *GeminiAdapter) ExtractCompletion(body []byte) ([]Span, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}
	if !root.Get("candidates").IsArray() {
		return nil, unadaptable("gemini response has no candidates")
	}

	c := newCollector(nil)
	for i, cand := range root.Get("candidates").Array() {
		collectParts(c, fmt.Sprintf("candidates.%d.content.parts", i), "assistant", cand.Get("content.parts"))
	}
	return c.result("completion")
}

// ExtractUsage extracts token usage from Gemini API response.
// Gemini format: {"usageMetadata": {"promptTokenCount": N, "candidatesTokenCount": N, "totalTokenCount": N}}
func (a *GeminiAdapter) ExtractUsage(responseBody []byte) UsageInfo {
	usage := gjson.GetBytes(responseBody, "usageMetadata")
	if !usage.IsObject() {
		return UsageInfo{}
	}
	return UsageInfo{
		InputTokens:  int(usage.Get("promptTokenCount").Int()),
		OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
		TotalTokens:  int(usage.Get("totalTokenCount").Int()),
	}
}

// ExtractModel returns the body "model" field when present. Most Gemini
// clients only put it in the URL; see ExtractGeminiModelFromPath.
func (a *GeminiAdapter) ExtractModel(requestBody []byte) string {
	return strings.TrimPrefix(a.BaseAdapter.ExtractModel(requestBody), "models/")
}

// ExtractGeminiModelFromPath extracts the model from
// /v1beta/models/{model}:generateContent.
func ExtractGeminiModelFromPath(path string) string {
	const prefix = "/models/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(prefix):]
	if colon := strings.Index(rest, ":"); colon != -1 {
		return rest[:colon]
	}
	return rest
}

// collectParts adds every parts[].text string. Parts carry no "type".
func collectParts(c *collector, path, role string, parts gjson.Result) {
	for j, part := range parts.Array() {
		if part.Get("thought").Bool() {
			continue
		}
		c.text(fmt.Sprintf("%s.%d.text", path, j), role, part.Get("text"))
	}
}

var _ Adapter = (*GeminiAdapter)(nil)
