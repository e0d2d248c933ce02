package adapters

import (
	"strings"

	"github.com/tidwall/gjson"
)

// BedrockAdapter handles AWS Bedrock InvokeModel requests for Anthropic
// models. The body is the Anthropic Messages format plus an
// "anthropic_version" field, so every Extract operation delegates.
//
// The key differences from direct Anthropic are:
//   - Authentication: AWS SigV4 instead of x-api-key (re-signed by gateway)
//   - URL pattern: /model/{modelId}/invoke instead of /v1/messages
//   - Model ID format: "anthropic.claude-3-5-sonnet-20241022-v2:0"
type BedrockAdapter struct {
	BaseAdapter
	anthropic *AnthropicAdapter
}

// NewBedrockAdapter creates a new Bedrock adapter.
func NewBedrockAdapter() *BedrockAdapter {
	return &BedrockAdapter{
		BaseAdapter: BaseAdapter{
			name:     "bedrock",
			provider: ProviderBedrock,
		},
		anthropic: NewAnthropicAdapter(),
	}
}

// MatchRequest requires the Bedrock-only anthropic_version body field.
func (a *BedrockAdapter) MatchRequest(root gjson.Result) bool {
	return root.Get("anthropic_version").Exists() && a.anthropic.MatchRequest(root)
}

// ExtractPrompt delegates to the Anthropic adapter.
func (a *BedrockAdapter) ExtractPrompt(body []byte, roles []string) ([]Span, error) {
	return a.anthropic.ExtractPrompt(body, roles)
}

// ExtractCompletion delegates to the Anthropic adapter.
func (a *BedrockAdapter) ExtractCompletion(body []byte) ([]Span, error) {
	return a.anthropic.ExtractCompletion(body)
}

// ExtractUsage uses the Anthropic usage format.
func (a *BedrockAdapter) ExtractUsage(responseBody []byte) UsageInfo {
	return a.anthropic.ExtractUsage(responseBody)
}

// ExtractModel returns the body "model" field. Bedrock SDK requests
// usually carry the model only in the URL; see ExtractModelFromPath.
func (a *BedrockAdapter) ExtractModel(requestBody []byte) string {
	return a.BaseAdapter.ExtractModel(requestBody)
}

// ExtractModelFromPath extracts the model ID from a Bedrock URL path.
// Path format: /model/{modelId}/invoke or /model/{modelId}/invoke-with-response-stream
// Example: /model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke
func ExtractModelFromPath(path string) string {
	const prefix = "/model/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}

	rest := path[idx+len(prefix):]
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		return rest[:slashIdx]
	}
	return rest
}

// IsBedrockPath reports whether path is a Bedrock runtime invoke path.
func IsBedrockPath(path string) bool {
	return strings.HasPrefix(path, "/model/") && strings.Contains(path, "/invoke")
}

// Ensure BedrockAdapter implements Adapter
var _ Adapter = (*BedrockAdapter)(nil)
