// Router picks the upstream origin for a proxied request.
//
// DESIGN: Three modes, checked in order:
//  1. forward: the request line carries an absolute URI (http_proxy clients)
//  2. reverse: X-Target-URL names the origin; the request path is appended
//  3. auto:    the origin is inferred from path and headers
//
// Every mode ends at the host allowlist (SSRF protection).
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stegollm/stego-gateway/internal/adapters"
)

// Routing modes.
const (
	modeForward = "forward"
	modeReverse = "reverse"
	modeAuto    = "auto"
)

// Routing errors. The handler maps them to 400 and 403.
var (
	errNoTarget       = errors.New("cannot determine upstream")
	errHostNotAllowed = errors.New("target host not allowed")
)

// upstream is where one request is sent.
type upstream struct {
	URL     *url.URL
	Mode    string
	Bedrock bool // Bedrock Runtime endpoint
}

// resolveUpstream returns the origin for r.
func (g *Gateway) resolveUpstream(r *http.Request) (*upstream, error) {
	var (
		raw  string
		mode string
	)
	switch {
	case r.URL.IsAbs():
		raw, mode = r.URL.String(), modeForward
	case r.Header.Get(HeaderTargetURL) != "":
		raw, mode = joinTarget(r.Header.Get(HeaderTargetURL), r.URL), modeReverse
	default:
		raw, mode = g.autoDetectTargetURL(r), modeAuto
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: set the %s header", errNoTarget, HeaderTargetURL)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid target URL %q", errNoTarget, raw)
	}
	if !g.isAllowedHost(u.Host) {
		return nil, fmt.Errorf("%w: %s", errHostNotAllowed, u.Hostname())
	}
	return &upstream{URL: u, Mode: mode, Bedrock: isBedrockHost(u.Hostname())}, nil
}

// joinTarget appends the request path (unless the target already ends with
// it) and the query string to an X-Target-URL value.
func joinTarget(target string, reqURL *url.URL) string {
	if !strings.HasSuffix(target, reqURL.Path) {
		target = strings.TrimSuffix(target, "/") + reqURL.Path
	}
	if reqURL.RawQuery != "" && !strings.Contains(target, "?") {
		target += "?" + reqURL.RawQuery
	}
	return target
}

// autoDetectTargetURL infers the upstream from request characteristics.
// It returns "" when no configured upstream fits.
func (g *Gateway) autoDetectTargetURL(r *http.Request) string {
	path := r.URL.Path
	ups := g.config.Proxy.Upstreams

	// Bedrock: path-based, only with a working signer
	if adapters.IsBedrockPath(path) {
		if g.bedrockSigner.IsConfigured() {
			return withQuery(g.bedrockSigner.BuildTargetURL(path), r.URL)
		}
		return ""
	}

	var base string
	switch adapters.HintFromRequest(path, r.Header) {
	case adapters.ProviderAnthropic:
		base = ups.Anthropic
	case adapters.ProviderGemini:
		base = ups.Gemini
	case adapters.ProviderOllama:
		base = ups.Ollama
	default:
		// Anthropic keys sent as bearer tokens
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer sk-ant-") {
			base = ups.Anthropic
		} else {
			base, path = ups.OpenAI, normalizeOpenAIPath(path)
		}
	}
	if base == "" {
		return ""
	}
	return withQuery(strings.TrimSuffix(base, "/")+path, r.URL)
}

func withQuery(target string, reqURL *url.URL) string {
	if reqURL.RawQuery == "" {
		return target
	}
	return target + "?" + reqURL.RawQuery
}

// normalizeOpenAIPath ensures paths are in /v1/... format for the OpenAI API.
// Handles clients that send /chat/completions instead of /v1/chat/completions.
func normalizeOpenAIPath(path string) string {
	switch path {
	case "/responses", "/chat/completions", "/completions", "/embeddings", "/models":
		return "/v1" + path
	}
	return path
}

// isBedrockHost matches bedrock-runtime.{region}.amazonaws.com.
func isBedrockHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasPrefix(host, "bedrock-runtime.") && strings.HasSuffix(host, ".amazonaws.com")
}

// =============================================================================
// HEADERS
// =============================================================================

// hopByHopHeaders are connection-scoped and never forwarded (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayHeaders are consumed by the gateway.
var gatewayHeaders = []string{
	HeaderTargetURL,
	HeaderCompressionThreshold,
	HeaderContext,
}

// stripHeaders removes hop-by-hop headers, including any named in
// Connection.
func stripHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// upstreamHeaders builds the outbound header set. Accept-Encoding is
// dropped so the client transport negotiates and decompresses itself;
// Content-Length is set from the body.
func upstreamHeaders(src http.Header) http.Header {
	h := src.Clone()
	stripHeaders(h)
	for _, name := range gatewayHeaders {
		h.Del(name)
	}
	h.Del("Accept-Encoding")
	h.Del("Content-Length")
	return h
}

// copyHeaders copies response headers to the client, minus hop-by-hop
// headers and Content-Length.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	h := src.Clone()
	stripHeaders(h)
	h.Del("Content-Length")
	for k, v := range h {
		w.Header()[k] = v
	}
}
