// Package gateway types - JSON bodies of the settings API.
//
// DESIGN: Types used by the gateway for:
//   - Status surface (/api/status, /ws/metrics)
//   - Settings toggles and strategy change
//   - Test compression
//   - Stats and history
package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/rules"
	"github.com/stegollm/stego-gateway/internal/store"
)

// =============================================================================
// STATUS
// =============================================================================

// StatusResponse is the runtime state plus the aggregated sizes.
type StatusResponse struct {
	CompressionEnabled  bool          `json:"compression_enabled"`
	Strategy            string        `json:"strategy"`
	DeepLearningEnabled bool          `json:"deep_learning_enabled"`
	RuleSetVersion      uint64        `json:"rule_set_version"`
	Rules               int           `json:"rules"`
	Metrics             StatusMetrics `json:"metrics"`
}

// StatusMetrics mirrors monitoring.MetricsSnapshot with derived fields.
type StatusMetrics struct {
	Requests         int64   `json:"requests"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	SavedSize        int64   `json:"saved_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Since            string  `json:"since"`
}

// =============================================================================
// SETTINGS
// =============================================================================

// ToggleRequest is the body of both toggle endpoints.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// StrategyRequest is the body of change_strategy.
type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

// =============================================================================
// TEST COMPRESSION
// =============================================================================

// TestCompressionRequest compresses one prompt with a throwaway rule set.
type TestCompressionRequest struct {
	Instructions    rules.Instructions `json:"instructions"`
	Prompt          string             `json:"prompt"`
	Context         contextList        `json:"context,omitempty"`
	IncludeDefaults bool               `json:"include_defaults"`
}

// TestCompressionResponse reports the result. Strategy is what the preview
// ran; ActiveStrategy is what live traffic currently uses.
type TestCompressionResponse struct {
	Original         string   `json:"original"`
	Compressed       string   `json:"compressed"`
	OriginalSize     int      `json:"original_size"`
	CompressedSize   int      `json:"compressed_size"`
	CompressionRatio float64  `json:"compression_ratio"`
	Applied          []string `json:"applied"`
	Contexts         []string `json:"contexts"`
	Strategy         string   `json:"strategy"`
	ActiveStrategy   string   `json:"active_strategy"`
	Fallback         bool     `json:"fallback,omitempty"`
	RoundTrip        bool     `json:"round_trip"`
}

// contextList accepts "sql", "sql,legal" or ["sql","legal"].
type contextList []string

func (c *contextList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = nil
		for _, tag := range strings.Split(s, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				*c = append(*c, tag)
			}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("context must be a string or a list of strings")
	}
	*c = list
	return nil
}

// =============================================================================
// STATS & HISTORY
// =============================================================================

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime    string                                  `json:"uptime"`
	Counters  map[string]int64                        `json:"counters"`
	Responses map[monitoring.Route]map[string]int64 `json:"responses"`
	Metrics   StatusMetrics                           `json:"metrics"`
	Cache     struct {
		Hits   int64 `json:"hits"`
		Misses int64 `json:"misses"`
		Size   int   `json:"size"`
	} `json:"cache"`
	Telemetry struct {
		Cycles      int `json:"cycles"`
		Comparisons int `json:"comparisons"`
	} `json:"telemetry"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	Records []store.Record `json:"records"`
	Count   int            `json:"count"`
}
