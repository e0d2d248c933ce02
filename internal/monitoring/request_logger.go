// Package monitoring - request_logger.go traces one HTTP exchange.
//
// DESIGN: The gateway middleware opens an Exchange per request and stores it
// in the request context. The proxy cycle writes what it learned into it
// (provider, outcome, sizes, expansion) and the middleware emits a single
// "exchange" line once the response has been written. Cycle transitions
// and the outgoing request are logged at DEBUG along the way.
package monitoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Route says which surface served a request.
type Route string

const (
	RouteProxy  Route = "proxy"
	RouteTunnel Route = "tunnel"
	RouteAPI    Route = "api"
)

// Exchange is the per-request trace shared by middleware and handlers.
// A request is served by one goroutine, so fields are not synchronized.
type Exchange struct {
	RequestID string
	Method    string
	Path      string
	ClientIP  string
	Route     Route
	Start     time.Time

	// Filled by the proxy cycle.
	Provider       string
	Outcome        Outcome
	Reason         string
	OriginalSize   int
	CompressedSize int
	Expanded       bool

	logger zerolog.Logger
}

type exchangeKey struct{}

// NewExchange opens a trace. Its logger carries the request ID.
func NewExchange(requestID, method, path, clientIP string, route Route) *Exchange {
	return &Exchange{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		ClientIP:  clientIP,
		Route:     route,
		Start:     time.Now(),
		logger:    log.Logger.With().Str("request_id", requestID).Logger(),
	}
}

// WithExchange attaches ex to ctx.
func WithExchange(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// ExchangeFrom returns the request's Exchange, or nil outside the middleware.
func ExchangeFrom(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

// RequestIDFromContext returns the traced request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ex := ExchangeFrom(ctx); ex != nil {
		return ex.RequestID
	}
	return ""
}

// LoggerFrom returns the request-scoped logger, or the global one.
func LoggerFrom(ctx context.Context) *zerolog.Logger {
	if ex := ExchangeFrom(ctx); ex != nil {
		return &ex.logger
	}
	return &log.Logger
}

// SetRoute reclassifies the exchange. Nil-safe.
func (e *Exchange) SetRoute(route Route) {
	if e != nil {
		e.Route = route
	}
}

// RecordCycle copies a finished cycle's result into the trace. Nil-safe.
func (e *Exchange) RecordCycle(ev *CycleEvent) {
	if e == nil || ev == nil {
		return
	}
	e.Provider = ev.Provider
	e.Outcome = ev.Outcome
	e.Reason = ev.PassthroughReason
	e.OriginalSize = ev.OriginalSize
	e.CompressedSize = ev.CompressedSize
	e.Expanded = ev.Expanded
}

// =============================================================================
// REQUEST LOGGER
// =============================================================================

// RequestLogger logs request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// LogExchange writes the one-line summary of a served request. Proxy
// exchanges log at INFO with their cycle result; API calls at DEBUG;
// 5xx responses at WARN.
func (rl *RequestLogger) LogExchange(ex *Exchange, status, written int) {
	var event *zerolog.Event
	switch {
	case status >= 500:
		event = rl.logger.Warn()
	case ex.Route == RouteAPI:
		event = rl.logger.Debug()
	default:
		event = rl.logger.Info()
	}

	event = event.
		Str("request_id", ex.RequestID).
		Str("route", string(ex.Route)).
		Str("method", ex.Method).
		Str("path", ex.Path).
		Int("status", status).
		Int("bytes", written).
		Dur("duration", time.Since(ex.Start))

	if ex.Outcome != "" {
		event = event.
			Str("provider", ex.Provider).
			Str("outcome", string(ex.Outcome))
		if ex.Reason != "" {
			event = event.Str("reason", ex.Reason)
		}
		if ex.OriginalSize > 0 {
			event = event.
				Int("original", ex.OriginalSize).
				Int("compressed", ex.CompressedSize).
				Float64("ratio", float64(ex.CompressedSize)/float64(ex.OriginalSize))
		}
		if ex.Expanded {
			event = event.Bool("expanded", true)
		}
	}
	event.Msg("exchange")
}

// LogTransition logs a cycle state change.
func (rl *RequestLogger) LogTransition(requestID, from, to, reason string) {
	event := rl.logger.Debug().
		Str("request_id", requestID).
		Str("from", from).
		Str("to", to)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("cycle_transition")
}

// OutgoingRequestInfo describes a request forwarded to the origin.
type OutgoingRequestInfo struct {
	RequestID  string
	Provider   string
	TargetURL  string
	BodySize   int
	Compressed bool
	Resigned   bool
}

// LogOutgoing logs a forwarded request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("provider", info.Provider).
		Str("target", info.TargetURL).
		Int("body_size", info.BodySize).
		Bool("compressed", info.Compressed).
		Bool("resigned", info.Resigned).
		Msg("outgoing")
}
