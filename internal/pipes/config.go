// Pipes configuration - compression pipeline settings.
//
// DESIGN: One pipe (stego/) rewrites prompts and expands completions.
// Its settings live here, next to the pipe, and are re-exported by the
// config package as the "compression" section.
//
// NOTE: This file defines pipe-specific configuration types.
// The main Config struct in config/ imports and uses these types.
package pipes

import (
	"fmt"
	"strings"

	"github.com/stegollm/stego-gateway/internal/engine"
)

// =============================================================================
// COMPRESSION THRESHOLDS
// =============================================================================

// CompressionThreshold is the minimum prompt size, in characters, that a
// cycle must reach before it is compressed. Set per request via the
// X-Compression-Threshold header, or globally via compression.threshold.
type CompressionThreshold string

const (
	ThresholdOff  CompressionThreshold = "off"  // No compression ever
	ThresholdAll  CompressionThreshold = "0"    // Compress every prompt (default)
	Threshold256  CompressionThreshold = "256"  // Compress when >= 256 chars
	Threshold1K   CompressionThreshold = "1k"   // Compress when >= 1,000 chars
	Threshold2K   CompressionThreshold = "2k"   // Compress when >= 2,000 chars
	Threshold4K   CompressionThreshold = "4k"   // Compress when >= 4,000 chars
	Threshold8K   CompressionThreshold = "8k"   // Compress when >= 8,000 chars
	Threshold16K  CompressionThreshold = "16k"  // Compress when >= 16,000 chars
	Threshold32K  CompressionThreshold = "32k"  // Compress when >= 32,000 chars
	Threshold64K  CompressionThreshold = "64k"  // Compress when >= 64,000 chars
	Threshold128K CompressionThreshold = "128k" // Compress when >= 128,000 chars
)

// ThresholdCharCounts maps thresholds to character counts.
var ThresholdCharCounts = map[CompressionThreshold]int{
	ThresholdOff: 0, ThresholdAll: 0, Threshold256: 256, Threshold1K: 1000, Threshold2K: 2000,
	Threshold4K: 4000, Threshold8K: 8000, Threshold16K: 16000, Threshold32K: 32000,
	Threshold64K: 64000, Threshold128K: 128000,
}

// DefaultThreshold is the compression threshold when none is specified.
const DefaultThreshold = ThresholdAll

// ParseCompressionThreshold parses a threshold string from header, returns
// def if s is empty or invalid.
func ParseCompressionThreshold(s string, def CompressionThreshold) CompressionThreshold {
	t := CompressionThreshold(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ThresholdCharCounts[t]; ok {
		return t
	}
	return def
}

// CharCount returns the minimum prompt size for this threshold.
// Returns -1 for ThresholdOff (meaning compression disabled).
func (t CompressionThreshold) CharCount() int {
	if t == ThresholdOff {
		return -1
	}
	if count, ok := ThresholdCharCounts[t]; ok {
		return count
	}
	return ThresholdCharCounts[DefaultThreshold]
}

// Allows reports whether a prompt of size characters may be compressed.
func (t CompressionThreshold) Allows(size int) bool {
	least := t.CharCount()
	return least >= 0 && size >= least
}

// =============================================================================
// COMPRESSION CONFIG
// =============================================================================

// Config configures the stego pipe and the transformation engine.
type Config struct {
	Enabled             bool   `yaml:"enabled"`               // Global compression toggle
	Strategy            string `yaml:"strategy"`              // dictionary | huffman | base2048
	DeepLearningEnabled bool   `yaml:"deep_learning_enabled"` // Placeholder layer, always Noop

	// Which prompt fields are rewritten
	Roles []string `yaml:"roles"` // system, user, assistant

	// Context tags for context-scoped rules
	Contexts       []string `yaml:"contexts"`        // Always-active tags
	DetectContexts bool     `yaml:"detect_contexts"` // Add "programming" when the prompt looks like code

	ExpandResponses bool                 `yaml:"expand_responses"` // Expand tokens in completions
	Threshold       CompressionThreshold `yaml:"threshold"`        // Default minimum prompt size

	CacheSize            int  `yaml:"cache_size"`             // Transformer result cache entries, 0 = off
	UseDefaultDictionary bool `yaml:"use_default_dictionary"` // Compile built-in rules first
}

// Validate validates the compression config.
func (c *Config) Validate() error {
	if _, err := engine.ParseKind(c.Strategy); err != nil {
		return fmt.Errorf("compression.strategy: %w", err)
	}
	if c.Threshold != "" {
		if _, ok := ThresholdCharCounts[c.Threshold]; !ok {
			return fmt.Errorf("compression.threshold: unknown value %q", c.Threshold)
		}
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("compression.cache_size must be >= 0, got %d", c.CacheSize)
	}
	for _, r := range c.Roles {
		switch strings.ToLower(r) {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("compression.roles: unknown role %q (want system, user or assistant)", r)
		}
	}
	return nil
}
