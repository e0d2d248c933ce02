// HTTP middleware shared by the proxy and API listeners.
//
// DESIGN: Middleware chain (outermost first):
//  1. panicRecovery: flag the panic, answer 500
//  2. rateLimit:     per-client token buckets, least recently seen evicted
//  3. trace:         open the request's Exchange, then log and count it
//     once the handler has filled in the cycle result
//  4. security:      response headers and CORS for local dashboards
package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/stegollm/stego-gateway/internal/monitoring"
)

// statusWriter remembers the status and size of what the handler wrote.
type statusWriter struct {
	http.ResponseWriter
	status   int
	written  int
	hijacked bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}

// Flush lets streamed responses reach the client chunk by chunk.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to CONNECT tunnels and websockets.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	w.hijacked = true
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// =============================================================================
// RATE LIMIT
// =============================================================================

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// newClientLimiter allows perSecond requests per client with an equal burst,
// tracking at most maxClients addresses.
func newClientLimiter(perSecond, maxClients int) (*clientLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	return &clientLimiter{buckets: buckets, limit: rate.Limit(perSecond), burst: perSecond}, nil
}

func (cl *clientLimiter) allow(client string) bool {
	lim, ok := cl.buckets.Get(client)
	if !ok {
		lim = rate.NewLimiter(cl.limit, cl.burst)
		if prev, found, _ := cl.buckets.PeekOrAdd(client, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := g.getClientIP(r)
		if !g.limiter.allow(ip) {
			monitoring.LoggerFrom(r.Context()).Warn().Str("ip", ip).Msg("rate_limited")
			w.Header().Set("Retry-After", "1")
			g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// TRACE
// =============================================================================

// routeOf classifies a request before routing. The proxy handler claims
// mux fallthrough requests itself.
func routeOf(r *http.Request) monitoring.Route {
	switch {
	case r.Method == http.MethodConnect:
		return monitoring.RouteTunnel
	case r.URL.IsAbs():
		return monitoring.RouteProxy
	default:
		return monitoring.RouteAPI
	}
}

// trace gives every request an ID and an Exchange, then logs the exchange
// and counts the response by route.
func (g *Gateway) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ex := monitoring.NewExchange(requestID, r.Method, r.URL.Path, g.getClientIP(r), routeOf(r))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(monitoring.WithExchange(r.Context(), ex)))

		g.counters.RecordResponse(ex.Route, sw.status)
		g.requestLogger.LogExchange(ex, sw.status, sw.written)
	})
}

// =============================================================================
// RECOVERY AND SECURITY
// =============================================================================

func (g *Gateway) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// trace has already stamped the ID on the response headers.
				g.alerts.FlagPanic(w.Header().Get(HeaderRequestID), err, string(debug.Stack()))
				g.writeError(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsHeaders lists the request headers a dashboard may send.
var corsHeaders = strings.Join([]string{
	"Content-Type", "Authorization", "x-api-key",
	HeaderTargetURL, HeaderRequestID, HeaderCompressionThreshold, HeaderContext,
}, ", ")

func (g *Gateway) security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")

		if origin := r.Header.Get("Origin"); origin != "" && isLocalOrigin(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		// Preflights never reach an origin.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLocalOrigin admits dashboards served from this machine.
func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

// getClientIP returns the peer address. X-Forwarded-For and X-Real-IP are
// honoured only from a loopback peer.
func (g *Gateway) getClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !isLoopback(r.RemoteAddr) {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return ip
}

// isAllowedHost checks a host[:port] against proxy.allowed_hosts.
func (g *Gateway) isAllowedHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return g.allowedHosts[strings.ToLower(strings.Trim(host, "[]"))]
}
