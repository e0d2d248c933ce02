// Package gateway - stats.go exposes health and aggregated metrics.
//
// GET /health      liveness plus a store probe
// GET /stats       operational counters (loopback only)
// GET /metrics     Prometheus exposition (see monitoring.Collector)
// GET /ws/metrics  status JSON pushed every monitoring.stream_interval
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
)

const healthProbeTimeout = 2 * time.Second

// handleHealth returns gateway health status. A failing store probe
// reports degraded with 503.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"version": Version,
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}

// handleStats returns operational counters and the aggregator snapshot.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var resp StatsResponse
	resp.Uptime = time.Since(g.startedAt).Truncate(time.Second).String()
	resp.Counters = g.counters.Stats()
	resp.Responses = g.counters.Responses()
	resp.Metrics = g.statusMetrics()

	cache := g.controller.Current().Transformer.CacheStats()
	resp.Cache.Hits, resp.Cache.Misses, resp.Cache.Size = cache.Hits, cache.Misses, cache.Size

	resp.Telemetry.Cycles, resp.Telemetry.Comparisons = g.tracker.Counts()

	writeJSON(w, http.StatusOK, resp)
}

// handleMetricsStream pushes the status surface over a websocket until the
// client goes away.
func (g *Gateway) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	// Nothing is read from the client; CloseRead handles pings and close
	// frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(g.config.Monitoring.StreamInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, g.status()); err != nil {
			log.Debug().Err(err).Msg("metrics stream closed")
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// isLoopback reports whether remoteAddr is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
