// Package config loads and validates the gateway configuration.
//
// DESIGN: Defaults are a Go value (Default()). A YAML document is decoded
// on top of it, so any key the document omits keeps its default. The
// document may reference the environment with ${VAR} or ${VAR:-default},
// and a few STEGO_* variables override log and storage paths afterwards.
//
// FILES:
//   - config.go:     Root Config struct, Default(), Load(), Validate()
//   - pipes.go:      Compression section (re-exported from pipes)
//   - proxy.go:      Upstreams, host allowlist, Bedrock signing
//   - monitoring.go: Logging and telemetry settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stegollm/stego-gateway/internal/store"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server             ServerConfig             `yaml:"server"`              // HTTP server settings
	Proxy              ProxyConfig              `yaml:"proxy"`               // Upstream routing
	Compression        CompressionConfig        `yaml:"compression"`         // Engine and stego pipe
	APICompat          APICompatConfig          `yaml:"api_compat"`          // Which wire formats are adapted
	CustomInstructions CustomInstructionsConfig `yaml:"custom_instructions"` // User rule document
	Store              StoreConfig              `yaml:"store"`               // Cycle history
	Monitoring         MonitoringConfig         `yaml:"monitoring"`          // Telemetry and logging
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`           // Proxy + API listener
	UIPort       int           `yaml:"ui_port"`        // API-only listener, 0 disables
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Max time to write response
	MaxBodyBytes int64         `yaml:"max_body_bytes"` // Request body limit
	RateLimit    int           `yaml:"rate_limit"`     // Requests per second per client IP, 0 = unlimited
}

// APICompatConfig restricts provider detection.
type APICompatConfig struct {
	Enabled       bool     `yaml:"enabled"`        // When false every built-in adapter is used
	SupportedAPIs []string `yaml:"supported_apis"` // openai, claude|anthropic, gemini, bedrock, ollama
}

// CustomInstructionsConfig locates the custom instruction document.
type CustomInstructionsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StoreConfig contains cycle history store settings.
type StoreConfig struct {
	Type       string        `yaml:"type"`        // memory | sqlite
	TTL        time.Duration `yaml:"ttl"`         // Time-to-live for records
	MaxRecords int           `yaml:"max_records"` // Oldest records are dropped beyond this
	DSN        string        `yaml:"dsn"`         // sqlite database path
}

// Store types.
const (
	StoreMemory = store.TypeMemory
	StoreSQLite = store.TypeSQLite
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			UIPort:       8081,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 600 * time.Second,
			MaxBodyBytes: 50 * 1024 * 1024,
			RateLimit:    100,
		},
		Proxy: ProxyConfig{
			UpstreamTimeout: 600 * time.Second,
			AllowedHosts:    DefaultAllowedHosts(),
			Upstreams: UpstreamsConfig{
				OpenAI:    "https://api.openai.com",
				Anthropic: "https://api.anthropic.com",
				Gemini:    "https://generativelanguage.googleapis.com",
				Ollama:    "http://localhost:11434",
			},
			Bedrock: BedrockConfig{Region: "us-east-1"},
		},
		Compression: CompressionConfig{
			Enabled:              true,
			Strategy:             "dictionary",
			Roles:                []string{"system", "user"},
			DetectContexts:       true,
			ExpandResponses:      true,
			Threshold:            DefaultThreshold,
			CacheSize:            1024,
			UseDefaultDictionary: true,
		},
		APICompat: APICompatConfig{
			Enabled:       true,
			SupportedAPIs: []string{"openai", "claude", "gemini"},
		},
		CustomInstructions: CustomInstructionsConfig{
			Enabled: true,
			Path:    "~/.config/stegollm/custom_instructions.json",
		},
		Store: StoreConfig{
			Type:       StoreMemory,
			TTL:        24 * time.Hour,
			MaxRecords: 1000,
			DSN:        "~/.config/stegollm/history.db",
		},
		Monitoring: MonitoringConfig{
			LogLevel:             "info",
			LogFormat:            "console",
			LogOutput:            "stdout",
			TokenEncoding:        "cl100k_base",
			HighLatencyThreshold: 5 * time.Second,
			StreamInterval:       2 * time.Second,
			PrometheusEnabled:    true,
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes on top of Default().
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets the environment redirect file paths without
// editing the config file.
func (c *Config) applyEnvOverrides() {
	// STEGO_TELEMETRY_LOG overrides the telemetry log path and enables telemetry
	if envPath := os.Getenv("STEGO_TELEMETRY_LOG"); envPath != "" {
		c.Monitoring.TelemetryPath = envPath
		c.Monitoring.TelemetryEnabled = true
	}

	// STEGO_COMPRESSION_LOG overrides the compression comparison log path
	if envPath := os.Getenv("STEGO_COMPRESSION_LOG"); envPath != "" {
		c.Monitoring.CompressionLogPath = envPath
	}

	if envPath := os.Getenv("STEGO_CUSTOM_INSTRUCTIONS"); envPath != "" {
		c.CustomInstructions.Path = envPath
	}

	// STEGO_HISTORY_DSN switches the history store to sqlite
	if dsn := os.Getenv("STEGO_HISTORY_DSN"); dsn != "" {
		c.Store.DSN = dsn
		c.Store.Type = StoreSQLite
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.UIPort < 0 || c.Server.UIPort > 65535 {
		return fmt.Errorf("invalid server.ui_port: %d (must be 0-65535)", c.Server.UIPort)
	}
	if c.Server.UIPort == c.Server.Port {
		return fmt.Errorf("server.ui_port must differ from server.port (%d)", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0")
	}

	if err := c.Proxy.Validate(); err != nil {
		return err
	}

	if err := c.Compression.Validate(); err != nil {
		return err
	}

	if c.APICompat.Enabled {
		if len(c.APICompat.SupportedAPIs) == 0 {
			return fmt.Errorf("api_compat.supported_apis is empty")
		}
		for _, api := range c.APICompat.SupportedAPIs {
			if !knownAPI(api) {
				return fmt.Errorf("api_compat.supported_apis: unknown api %q", api)
			}
		}
	}

	if c.CustomInstructions.Enabled && c.CustomInstructions.Path == "" {
		return fmt.Errorf("custom_instructions.path is required when enabled")
	}

	// Store validation
	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for store.type=sqlite")
		}
	default:
		return fmt.Errorf("store.type: unknown type %q (want memory or sqlite)", c.Store.Type)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl is required")
	}
	if c.Store.MaxRecords < 0 {
		return fmt.Errorf("store.max_records must be >= 0")
	}

	return c.Monitoring.Validate()
}

// SupportedAPIs returns the api_compat list, or nil when filtering is off.
func (c *Config) SupportedAPIs() []string {
	if !c.APICompat.Enabled {
		return nil
	}
	return c.APICompat.SupportedAPIs
}

func knownAPI(name string) bool {
	switch name {
	case "openai", "anthropic", "claude", "gemini", "bedrock", "ollama":
		return true
	}
	return false
}
