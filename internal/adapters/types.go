// Package adapters types - unified types for provider-specific payload handling.
//
// All types needed by adapters, pipes, and gateway are defined here.
// This eliminates circular imports and provides clear contracts.
package adapters

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SPANS - Output from Extract*(), input to Reinject*()
// =============================================================================

// Span is one text field inside a JSON body.
type Span struct {
	// Path is a gjson/sjson path, e.g. "messages.2.content.0.text"
	Path string

	// Text is the field value (or its replacement, when reinjecting)
	Text string

	// Role is the normalized speaker: system, user or assistant
	Role string
}

// Texts returns the text of every span.
func Texts(spans []Span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Text
	}
	return out
}

// TotalRunes sums the code point length of all spans.
func TotalRunes(spans []Span) int {
	n := 0
	for _, s := range spans {
		n += len([]rune(s.Text))
	}
	return n
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrUnadaptable means the body cannot be handled by this adapter. The
// pipeline forwards such bodies untouched.
var ErrUnadaptable = errors.New("unadaptable payload")

func unadaptable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnadaptable, fmt.Sprintf(format, args...))
}

// =============================================================================
// PROVIDER TYPES - Used for identification and routing
// =============================================================================

// Provider identifies which LLM provider format is being used.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// ProviderFromString converts a configured API name to a Provider.
// "claude" is accepted as an alias of anthropic.
func ProviderFromString(s string) Provider {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anthropic", "claude":
		return ProviderAnthropic
	case "openai":
		return ProviderOpenAI
	case "gemini":
		return ProviderGemini
	case "bedrock":
		return ProviderBedrock
	case "ollama":
		return ProviderOllama
	default:
		return ProviderUnknown
	}
}

// =============================================================================
// USAGE TYPES - Token usage extracted from API response
// =============================================================================

// UsageInfo holds token usage extracted from API response.
type UsageInfo struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
