// Proxy configuration - upstream routing and SSRF protection.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// ProxyConfig contains upstream settings.
type ProxyConfig struct {
	UpstreamTimeout time.Duration   `yaml:"upstream_timeout"` // Per-request upstream timeout
	AllowedHosts    []string        `yaml:"allowed_hosts"`    // Hosts the gateway may forward to
	Upstreams       UpstreamsConfig `yaml:"upstreams"`        // Default origin per provider
	Bedrock         BedrockConfig   `yaml:"bedrock"`          // SigV4 re-signing
}

// UpstreamsConfig holds the base URL used when a request carries no
// X-Target-URL header.
type UpstreamsConfig struct {
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Gemini    string `yaml:"gemini"`
	Ollama    string `yaml:"ollama"`
}

// BedrockConfig enables re-signing of rewritten Bedrock requests.
// Empty static credentials fall back to the default AWS credential chain.
type BedrockConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// DefaultAllowedHosts lists the provider API hosts and loopback.
func DefaultAllowedHosts() []string {
	return []string{
		"api.openai.com",
		"api.anthropic.com",
		"generativelanguage.googleapis.com",
		"localhost",
		"127.0.0.1",
		"::1",
	}
}

// Validate validates the proxy section.
func (p *ProxyConfig) Validate() error {
	if p.UpstreamTimeout <= 0 {
		return fmt.Errorf("proxy.upstream_timeout is required")
	}
	for name, raw := range map[string]string{
		"openai":    p.Upstreams.OpenAI,
		"anthropic": p.Upstreams.Anthropic,
		"gemini":    p.Upstreams.Gemini,
		"ollama":    p.Upstreams.Ollama,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.upstreams.%s: invalid URL %q", name, raw)
		}
	}
	if p.Bedrock.Enabled {
		if p.Bedrock.Region == "" {
			return fmt.Errorf("proxy.bedrock.region is required when bedrock is enabled")
		}
		if (p.Bedrock.AccessKeyID == "") != (p.Bedrock.SecretAccessKey == "") {
			return fmt.Errorf("proxy.bedrock: access_key_id and secret_access_key must be set together")
		}
	}
	return nil
}
