// Monitoring configuration - telemetry and logging settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (JSONL files).
// Logging is for operators, telemetry is for analytics/debugging.
// Prometheus and the websocket stream read the in-memory aggregator.
package config

import (
	"fmt"
	"time"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Telemetry settings
	TelemetryEnabled   bool   `yaml:"telemetry_enabled"`    // Append one JSONL event per cycle
	TelemetryPath      string `yaml:"telemetry_path"`       // Path to telemetry JSONL file
	CompressionLogPath string `yaml:"compression_log_path"` // Log original vs compressed text
	TokenEncoding      string `yaml:"token_encoding"`       // tiktoken encoding for token estimates

	// Alerting
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"` // Flag slower upstream calls

	// Live surfaces
	StreamInterval    time.Duration `yaml:"stream_interval"`    // /ws/metrics push interval
	PrometheusEnabled bool          `yaml:"prometheus_enabled"` // Serve /metrics
}

// Validate validates the monitoring section.
func (m *MonitoringConfig) Validate() error {
	switch m.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("monitoring.log_format: unknown format %q (want json or console)", m.LogFormat)
	}
	if m.TelemetryEnabled && m.TelemetryPath == "" {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}
	if m.StreamInterval <= 0 {
		return fmt.Errorf("monitoring.stream_interval must be positive")
	}
	return nil
}
