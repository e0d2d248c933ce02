// Registry manages adapter registration, enablement and detection.
//
// DESIGN: Thread-safe list of adapters in detection priority order.
// Detect matches the body shape against every enabled adapter; when more
// than one shape matches, the request path and headers break the tie, and
// registration order decides after that.
package adapters

import (
	"net/http"
	"strings"
	"sync"
)

// Registry manages adapter registration.
type Registry struct {
	adapters []Adapter
	enabled  map[Provider]bool // nil = all enabled
	mu       sync.RWMutex
}

// NewRegistry creates a new adapter registry with all built-in adapters.
// Most specific shapes come first.
func NewRegistry() *Registry {
	r := &Registry{}

	r.Register(NewBedrockAdapter())
	r.Register(NewAnthropicAdapter())
	r.Register(NewGeminiAdapter())
	r.Register(NewOllamaAdapter())
	r.Register(NewOpenAIAdapter())

	return r
}

// Register adds an adapter, replacing one with the same name.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.adapters {
		if a.Name() == adapter.Name() {
			r.adapters[i] = adapter
			return
		}
	}
	r.adapters = append(r.adapters, adapter)
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// SetSupported restricts detection to the named APIs. Enabling anthropic
// (or its alias claude) also enables bedrock, which shares its format.
// An empty list enables every adapter.
func (r *Registry) SetSupported(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		r.enabled = nil
		return
	}
	r.enabled = make(map[Provider]bool, len(names)+1)
	for _, n := range names {
		p := ProviderFromString(n)
		if p == ProviderUnknown {
			continue
		}
		r.enabled[p] = true
		if p == ProviderAnthropic {
			r.enabled[ProviderBedrock] = true
		}
	}
}

// Supported reports whether p is enabled.
func (r *Registry) Supported(p Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled == nil || r.enabled[p]
}

// Detect returns the adapter whose request schema matches body, or nil
// (ProviderUnknown) when nothing enabled matches.
func (r *Registry) Detect(body []byte, headers http.Header, path string) Adapter {
	root, err := parse(body)
	if err != nil {
		return nil
	}

	r.mu.RLock()
	var matches []Adapter
	for _, a := range r.adapters {
		if (r.enabled == nil || r.enabled[a.Provider()]) && a.MatchRequest(root) {
			matches = append(matches, a)
		}
	}
	r.mu.RUnlock()

	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}

	if hint := HintFromRequest(path, headers); hint != ProviderUnknown {
		for _, a := range matches {
			if a.Provider() == hint {
				return a
			}
		}
	}
	return matches[0]
}

// =============================================================================
// HINTS
// =============================================================================

// HintFromRequest guesses the provider from the URL path and headers.
// It is only used to break detection ties and to pick a default upstream.
//
//	/model/{id}/invoke                           → bedrock
//	anthropic-version, sk-ant- key, /v1/messages → anthropic
//	x-goog-api-key, /v1beta/models/{m}:...       → gemini
//	/api/chat, /api/generate                     → ollama
//	/chat/completions, /completions, /responses  → openai
func HintFromRequest(path string, headers http.Header) Provider {
	if IsBedrockPath(path) {
		return ProviderBedrock
	}
	if headers != nil {
		if headers.Get("anthropic-version") != "" || strings.HasPrefix(headers.Get("x-api-key"), "sk-ant-") {
			return ProviderAnthropic
		}
		if headers.Get("x-goog-api-key") != "" {
			return ProviderGemini
		}
	}
	switch {
	case strings.HasSuffix(path, "/messages") || strings.HasSuffix(path, "/complete"):
		return ProviderAnthropic
	case strings.Contains(path, "/models/") && strings.Contains(path, ":"):
		return ProviderGemini
	case strings.HasPrefix(path, "/api/chat") || strings.HasPrefix(path, "/api/generate"):
		return ProviderOllama
	case strings.HasSuffix(path, "/chat/completions") || strings.HasSuffix(path, "/completions") || strings.HasSuffix(path, "/responses"):
		return ProviderOpenAI
	}
	return ProviderUnknown
}
