// HTTP request handling for the compression gateway.
//
// DESIGN: Main request flow (handleProxy):
//  1. Snapshot: load the runtime snapshot once for the whole cycle
//  2. Detect:   pick the adapter from the body shape
//  3. Compress: stego pipe rewrites prompt spans, or takes Passthrough
//  4. Forward:  send to the upstream, re-signing Bedrock when needed
//  5. Expand:   restore tokens in a non-streaming 2xx JSON response
//  6. Commit:   sizes to the Aggregator once, then counters, telemetry
//     and the history store
//
// Any per-cycle failure degrades to forwarding the original bytes. Only
// transport errors towards the origin fail the request (502).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/stegollm/stego-gateway/internal/adapters"
	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/pipes"
	"github.com/stegollm/stego-gateway/internal/store"
)

// writeError writes the gateway error JSON.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	writeErrorType(w, msg, "gateway_error", status)
}

func writeErrorType(w http.ResponseWriter, msg, typ string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": typ},
	})
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := monitoring.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// =============================================================================
// PROXY CYCLE
// =============================================================================

// cycleRun carries per-request bookkeeping next to the PipeContext.
type cycleRun struct {
	cycle    *pipes.PipeContext
	event    *monitoring.CycleEvent
	start    time.Time
	failed   bool
	respBody []byte // buffered response, when not streamed
}

// handleProxy runs one request/response cycle.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := g.getRequestID(r)
	snap := g.controller.Current()
	monitoring.ExchangeFrom(r.Context()).SetRoute(monitoring.RouteProxy)

	r.Body = http.MaxBytesReader(w, r.Body, g.config.Server.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	target, err := g.resolveUpstream(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errHostNotAllowed) {
			status = http.StatusForbidden
		}
		monitoring.LoggerFrom(r.Context()).Warn().Err(err).Msg("upstream_rejected")
		g.writeError(w, err.Error(), status)
		return
	}

	cycle := pipes.NewPipeContext(nil, snap, body)
	cycle.RequestID = requestID
	cycle.ContextHeader = r.Header.Get(HeaderContext)
	cycle.CompressionThreshold = pipes.ParseCompressionThreshold(
		r.Header.Get(HeaderCompressionThreshold), g.config.Compression.Threshold)

	run := &cycleRun{
		cycle: cycle,
		start: start,
		event: &monitoring.CycleEvent{
			RequestID:       requestID,
			Timestamp:       start,
			Method:          r.Method,
			Path:            r.URL.Path,
			ClientIP:        g.getClientIP(r),
			Strategy:        string(snap.Strategy),
			RuleSetVersion:  snap.RuleSet.Version(),
			RequestBodySize: len(body),
		},
	}
	defer g.finishCycle(r.Context(), run)

	compressStart := time.Now()
	forwardBody := g.processRequest(r, cycle)
	run.event.CompressionMs = time.Since(compressStart).Milliseconds()
	run.event.Provider = adapters.ProviderUnknown.String()
	if cycle.Adapter != nil {
		run.event.Provider = cycle.Adapter.Name()
	}
	g.advance(cycle, pipes.StateForwarded)

	forwardStart := time.Now()
	resp, err := g.forward(r.Context(), r, target, forwardBody, cycle)
	run.event.ForwardMs = time.Since(forwardStart).Milliseconds()
	if err != nil {
		if r.Context().Err() != nil {
			cycle.Abandon()
			return
		}
		run.failed = true
		run.event.Error = err.Error()
		g.alerts.FlagUpstreamError(requestID, run.event.Provider, target.URL.Host, err)
		g.writeError(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	g.advance(cycle, pipes.StateResponseReceived)
	run.event.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		g.alerts.FlagProviderError(requestID, run.event.Provider, resp.StatusCode)
	}
	g.alerts.FlagHighLatency(requestID, time.Since(forwardStart), run.event.Provider, r.URL.Path)

	if cycle.Compressed() {
		w.Header().Set(HeaderCompressed, "true")
	}

	if isExpandable(resp) {
		g.writeBuffered(w, r, resp, run)
	} else {
		run.event.Streaming = isStream(resp)
		g.writeStreamed(w, r, resp, run)
	}

	g.advance(cycle, pipes.StateReturned)
}

// processRequest takes the cycle from Received to Compressed, or to
// Passthrough, and returns the body to forward.
func (g *Gateway) processRequest(r *http.Request, cycle *pipes.PipeContext) []byte {
	body := cycle.OriginalRequest

	switch {
	case !cycle.Snapshot.CompressionEnabled || !g.pipe.Enabled():
		g.passthrough(cycle, pipes.ReasonDisabled)
		return body
	case cycle.CompressionThreshold == pipes.ThresholdOff:
		g.passthrough(cycle, pipes.ReasonThresholdOff)
		return body
	case len(body) == 0 || !gjson.ValidBytes(body):
		g.passthrough(cycle, pipes.ReasonNotJSON)
		return body
	}

	cycle.Adapter = g.registry.Detect(body, r.Header, r.URL.Path)
	g.advance(cycle, pipes.StateDetected)

	out, err := g.pipe.Process(cycle)
	if err != nil {
		if errors.Is(err, adapters.ErrUnadaptable) {
			g.counters.RecordUnadaptable()
			g.alerts.FlagUnadaptable(cycle.RequestID, r.URL.Path, err)
		} else {
			monitoring.LoggerFrom(r.Context()).Warn().Err(err).Msg("compression_failed")
		}
	}
	if st := cycle.State(); st != pipes.StateCompressed && !st.Terminal() {
		g.passthrough(cycle, pipes.ReasonNoop)
		return body
	}
	if cycle.State() == pipes.StatePassthrough {
		g.requestLogger.LogTransition(cycle.RequestID, string(pipes.StateDetected),
			string(pipes.StatePassthrough), string(cycle.Reason()))
		return body
	}
	g.requestLogger.LogTransition(cycle.RequestID, string(pipes.StateDetected), string(pipes.StateCompressed), "")
	return out
}

// advance moves a non-terminal cycle forward. Passthrough cycles stay put.
func (g *Gateway) advance(cycle *pipes.PipeContext, to pipes.State) {
	from := cycle.State()
	if from.Terminal() || from == to {
		return
	}
	if err := cycle.Transition(to); err != nil {
		log.Debug().Str("request_id", cycle.RequestID).Err(err).Msg("cycle_transition_skipped")
		return
	}
	g.requestLogger.LogTransition(cycle.RequestID, string(from), string(to), "")
}

func (g *Gateway) passthrough(cycle *pipes.PipeContext, reason pipes.PassthroughReason) {
	from := cycle.State()
	if err := cycle.Passthrough(reason); err != nil {
		return
	}
	g.requestLogger.LogTransition(cycle.RequestID, string(from), string(pipes.StatePassthrough), string(reason))
}

// forward sends body upstream with the client's headers.
func (g *Gateway) forward(ctx context.Context, r *http.Request, target *upstream, body []byte, cycle *pipes.PipeContext) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = upstreamHeaders(r.Header)
	req.ContentLength = int64(len(body))

	// The client signed for another body or another host.
	resigned := false
	if target.Bedrock && g.bedrockSigner.IsConfigured() && (cycle.Compressed() || target.Mode == modeAuto) {
		if err := g.bedrockSigner.SignRequest(ctx, req, body); err != nil {
			return nil, err
		}
		resigned = true
	}

	provider := adapters.ProviderUnknown.String()
	if cycle.Adapter != nil {
		provider = cycle.Adapter.Name()
	}
	g.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID:  cycle.RequestID,
		Provider:   provider,
		TargetURL:  target.URL.Redacted(),
		BodySize:   len(body),
		Compressed: cycle.Compressed(),
		Resigned:   resigned,
	})

	return g.httpClient.Do(req)
}

// =============================================================================
// RESPONSE
// =============================================================================

// isStream reports an SSE or NDJSON response.
func isStream(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "ndjson")
}

// isExpandable reports a complete 2xx JSON body.
func isExpandable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "json") && !strings.Contains(ct, "ndjson")
}

// writeBuffered reads the whole response, expands it when the cycle was
// compressed and writes it with a recomputed Content-Length.
func (g *Gateway) writeBuffered(w http.ResponseWriter, r *http.Request, resp *http.Response, run *cycleRun) {
	cycle := run.cycle
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			cycle.Abandon()
			return
		}
		run.failed = true
		run.event.Error = err.Error()
		g.writeError(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	out, err := g.pipe.ProcessResponse(cycle, body)
	if err != nil {
		monitoring.LoggerFrom(r.Context()).Warn().Err(err).Msg("response_expansion_failed")
		out = body
	}
	run.respBody = out

	copyHeaders(w, resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		monitoring.LoggerFrom(r.Context()).Debug().Err(err).Msg("client_disconnected")
		cycle.Abandon()
	}
	run.event.ResponseBodySize = len(out)
}

// writeStreamed copies the response through, flushing every chunk.
func (g *Gateway) writeStreamed(w http.ResponseWriter, r *http.Request, resp *http.Response, run *cycleRun) {
	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, DefaultBufferSize)
	total := 0
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += n
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				monitoring.LoggerFrom(r.Context()).Debug().Err(writeErr).Msg("client_disconnected")
				run.cycle.Abandon()
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				if r.Context().Err() != nil {
					run.cycle.Abandon()
				} else {
					monitoring.LoggerFrom(r.Context()).Debug().Err(err).Msg("upstream_stream_read_failed")
				}
			}
			break
		}
	}
	run.event.ResponseBodySize = total
}

// =============================================================================
// COMMIT
// =============================================================================

// finishCycle commits sizes and records the cycle everywhere else.
func (g *Gateway) finishCycle(ctx context.Context, run *cycleRun) {
	cycle, ev := run.cycle, run.event

	if ctx.Err() != nil {
		cycle.Abandon()
	}

	var outcome monitoring.Outcome
	switch {
	case cycle.Abandoned():
		outcome = monitoring.OutcomeAbandoned
	case run.failed:
		outcome = monitoring.OutcomeFailed
	case cycle.State() == pipes.StatePassthrough:
		outcome = monitoring.OutcomePassthrough
	default:
		outcome = monitoring.OutcomeReturned
	}

	// A failed cycle never reached a response; keep it out of the ratio.
	committed := !run.failed && cycle.Commit(g.aggregator)

	origSize, compSize := cycle.Sizes()
	ev.Outcome = outcome
	ev.FinalState = string(cycle.State())
	ev.PassthroughReason = string(cycle.Reason())
	ev.Contexts = cycle.Contexts.Tags()
	ev.OriginalSize = origSize
	ev.CompressedSize = compSize
	ev.CompressionRatio = ratio(origSize, compSize)
	ev.AppliedEntries = len(cycle.Applied)
	ev.Fallback = cycle.Fallback || cycle.Reason() == pipes.ReasonFallback
	ev.Expanded = cycle.Expanded()
	ev.TotalMs = time.Since(run.start).Milliseconds()
	ev.Provider = adapters.ProviderUnknown.String()
	if a := cycle.Adapter; a != nil {
		ev.Provider = a.Name()
		ev.Model = a.ExtractModel(cycle.OriginalRequest)
		if ev.Model == "" && a.Provider() == adapters.ProviderBedrock {
			ev.Model = adapters.ExtractModelFromPath(ev.Path)
		}
		if run.respBody != nil {
			usage := a.ExtractUsage(run.respBody)
			ev.InputTokens, ev.OutputTokens, ev.TotalTokens = usage.InputTokens, usage.OutputTokens, usage.TotalTokens
		}
	}

	if cycle.Extracted() {
		ev.OriginalTokens = g.tokens.CountAll(adapters.Texts(cycle.OriginalSpans))
		ev.CompressedTokens = ev.OriginalTokens
		if cycle.Compressed() {
			ev.CompressedTokens = g.tokens.CountAll(adapters.Texts(cycle.CompressedSpans))
		}
		ev.TokensSaved = ev.OriginalTokens - ev.CompressedTokens
	}

	g.counters.RecordCycle(outcome)
	monitoring.ExchangeFrom(ctx).RecordCycle(ev)
	if cycle.Compressed() {
		g.counters.RecordCompression(ev.TokensSaved)
	}
	if cycle.Expanded() {
		g.counters.RecordExpansion()
	}
	if ev.Fallback {
		g.counters.RecordFallback()
		g.alerts.FlagGuardFallback(ev.RequestID, ev.Strategy, origSize)
	}

	g.tracker.RecordCycle(ev)
	if g.tracker.CompressionLogEnabled() && cycle.Extracted() {
		g.tracker.LogCompressionComparison(comparisonFor(cycle, ev))
	}

	if committed {
		rec := &store.Record{
			Timestamp:         ev.Timestamp,
			RequestID:         ev.RequestID,
			Provider:          ev.Provider,
			Model:             ev.Model,
			Outcome:           string(outcome),
			PassthroughReason: ev.PassthroughReason,
			Strategy:          ev.Strategy,
			OriginalSize:      origSize,
			CompressedSize:    compSize,
			StatusCode:        ev.StatusCode,
			Expanded:          ev.Expanded,
			DurationMs:        ev.TotalMs,
		}
		if err := g.store.Append(context.WithoutCancel(ctx), rec); err != nil {
			monitoring.LoggerFrom(ctx).Warn().Err(err).Msg("history_append_failed")
		}
	}
}

func comparisonFor(cycle *pipes.PipeContext, ev *monitoring.CycleEvent) monitoring.CompressionComparison {
	status := "noop"
	compressed := adapters.Texts(cycle.OriginalSpans)
	switch {
	case cycle.Compressed():
		status = "compressed"
		compressed = adapters.Texts(cycle.CompressedSpans)
	case ev.Fallback:
		status = "fallback"
	case cycle.Reason() != "":
		status = string(cycle.Reason())
	}
	return monitoring.CompressionComparison{
		RequestID:        ev.RequestID,
		Timestamp:        ev.Timestamp.Format(time.RFC3339),
		Provider:         ev.Provider,
		Strategy:         ev.Strategy,
		Contexts:         ev.Contexts,
		OriginalSize:     ev.OriginalSize,
		CompressedSize:   ev.CompressedSize,
		CompressionRatio: ev.CompressionRatio,
		Original:         adapters.Texts(cycle.OriginalSpans),
		Compressed:       compressed,
		Applied:          cycle.Applied,
		Status:           status,
	}
}

func ratio(orig, comp int) float64 {
	if orig == 0 {
		return 1
	}
	return float64(comp) / float64(orig)
}
