package gateway

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/pipes"
)

// tunnelDialTimeout bounds the dial towards a CONNECT target.
const tunnelDialTimeout = 10 * time.Second

// handleConnect tunnels a CONNECT request blindly. TLS inside the tunnel is
// never terminated, so the cycle is always a passthrough.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := g.getRequestID(r)
	target := r.Host

	if !g.isAllowedHost(target) {
		monitoring.LoggerFrom(r.Context()).Warn().Str("target", target).Msg("tunnel_rejected")
		g.writeError(w, "target host not allowed: "+target, http.StatusForbidden)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		g.writeError(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}

	upstream, err := net.DialTimeout("tcp", target, tunnelDialTimeout)
	if err != nil {
		g.alerts.FlagUpstreamError(requestID, "tunnel", target, err)
		g.writeError(w, "failed to reach "+target, http.StatusBadGateway)
		return
	}

	client, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		monitoring.LoggerFrom(r.Context()).Error().Err(err).Msg("hijack_failed")
		return
	}

	cycle := pipes.NewPipeContext(nil, g.controller.Current(), nil)
	cycle.RequestID = requestID
	g.passthrough(cycle, pipes.ReasonTunnel)
	g.counters.RecordTunnel()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	// Bytes the client sent after the CONNECT line are already buffered.
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			_ = client.Close()
			_ = upstream.Close()
			return
		}
	}

	sent, received := pipe(client, upstream)

	ev := &monitoring.CycleEvent{
		RequestID:         requestID,
		Timestamp:         start,
		Method:            r.Method,
		Path:              target,
		ClientIP:          g.getClientIP(r),
		Provider:          "tunnel",
		Outcome:           monitoring.OutcomePassthrough,
		PassthroughReason: string(pipes.ReasonTunnel),
		FinalState:        string(cycle.State()),
		CompressionRatio:  1,
		StatusCode:        http.StatusOK,
		RequestBodySize:   int(sent),
		ResponseBodySize:  int(received),
		TotalMs:           time.Since(start).Milliseconds(),
	}
	g.counters.RecordCycle(monitoring.OutcomePassthrough)
	g.tracker.RecordCycle(ev)
	monitoring.ExchangeFrom(r.Context()).RecordCycle(ev)

	monitoring.LoggerFrom(r.Context()).Debug().
		Str("target", target).
		Int64("sent", sent).
		Int64("received", received).
		Msg("tunnel_closed")
}

// pipe copies both directions until either side closes, then closes both.
func pipe(client, upstream net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
	_ = client.Close()
	_ = upstream.Close()
	return sent, received
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = c.Close()
}
