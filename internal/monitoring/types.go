// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - Outcome:               How a proxy cycle ended
//   - CycleEvent:            Telemetry data for each cycle
//   - CompressionComparison: Original vs compressed prompt (debug log)
//   - Config types:          TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// OUTCOMES - Used by the pipeline and telemetry
// =============================================================================

// Outcome identifies how a cycle left the pipeline.
type Outcome string

const (
	OutcomeReturned    Outcome = "returned"    // went through the full pipeline
	OutcomePassthrough Outcome = "passthrough" // forwarded unchanged
	OutcomeAbandoned   Outcome = "abandoned"   // client went away
	OutcomeFailed      Outcome = "failed"      // upstream transport error
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// CycleEvent captures one request/response cycle through the gateway.
type CycleEvent struct {
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	ClientIP          string    `json:"client_ip"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model,omitempty"`
	Outcome           Outcome   `json:"outcome"`
	PassthroughReason string    `json:"passthrough_reason,omitempty"`
	FinalState        string    `json:"final_state"`
	Strategy          string    `json:"strategy"`
	Contexts          []string  `json:"contexts,omitempty"`
	RuleSetVersion    uint64    `json:"rule_set_version"`

	// Sizes in characters of the extracted prompt text.
	OriginalSize     int     `json:"original_size"`
	CompressedSize   int     `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	TokensSaved      int     `json:"tokens_saved"`
	AppliedEntries   int     `json:"applied_entries"`
	Fallback         bool    `json:"fallback,omitempty"`

	Expanded         bool  `json:"expanded"`
	StatusCode       int   `json:"status_code"`
	RequestBodySize  int   `json:"request_body_size"`
	ResponseBodySize int   `json:"response_body_size"`
	Streaming        bool  `json:"streaming,omitempty"`
	CompressionMs    int64 `json:"compression_latency_ms"`
	ForwardMs        int64 `json:"forward_latency_ms"`
	TotalMs          int64 `json:"total_latency_ms"`

	// Usage from the upstream response (extracted by adapter)
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`

	Error string `json:"error,omitempty"`
}

// CompressionComparison captures before/after text of one cycle.
type CompressionComparison struct {
	RequestID        string   `json:"request_id"`
	Timestamp        string   `json:"timestamp"`
	Provider         string   `json:"provider"`
	Strategy         string   `json:"strategy"`
	Contexts         []string `json:"contexts,omitempty"`
	OriginalSize     int      `json:"original_size"`
	CompressedSize   int      `json:"compressed_size"`
	CompressionRatio float64  `json:"compression_ratio"`
	Original         []string `json:"original"`
	Compressed       []string `json:"compressed"`
	Applied          []string `json:"applied,omitempty"`
	Status           string   `json:"status"` // compressed, fallback, noop
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	LogPath            string `yaml:"log_path"`
	CompressionLogPath string `yaml:"compression_log_path"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
	UnadaptableBurst     int           `yaml:"unadaptable_burst"`  // warn after this many in a window
	UnadaptableWindow    time.Duration `yaml:"unadaptable_window"` // window for UnadaptableBurst
}
