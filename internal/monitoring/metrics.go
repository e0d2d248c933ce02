// Package monitoring - metrics.go provides operational counters.
//
// DESIGN: Lock-free counters for how cycles ended, independent of the size
// Aggregator:
//   - cycles/passthroughs: total cycles and the ones forwarded unchanged
//   - compressions/expansions: requests rewritten, responses restored
//   - fallbacks: compressions rejected by the round-trip guard
//   - unadaptable: bodies no adapter could handle
//   - upstream_errors: transport failures towards the origin
//   - tokens_saved: estimated prompt tokens removed
//
// Responses are counted separately per route and status class
// ("proxy"/"2xx"), fed by the gateway's trace middleware.
//
// /stats reports them as JSON and the Prometheus collector exports them.
package monitoring

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Counters collects operational counters.
type Counters struct {
	cycles         atomic.Int64
	passthroughs   atomic.Int64
	compressions   atomic.Int64
	expansions     atomic.Int64
	fallbacks      atomic.Int64
	unadaptable    atomic.Int64
	upstreamErrors atomic.Int64
	abandoned      atomic.Int64
	tokensSaved    atomic.Int64
	tunnels        atomic.Int64
	startedAt      time.Time

	mu        sync.Mutex
	responses map[responseKey]int64
}

type responseKey struct {
	route Route
	class string
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now(), responses: make(map[responseKey]int64)}
}

// RecordCycle records one finished cycle.
func (c *Counters) RecordCycle(outcome Outcome) {
	c.cycles.Add(1)
	switch outcome {
	case OutcomePassthrough:
		c.passthroughs.Add(1)
	case OutcomeAbandoned:
		c.abandoned.Add(1)
	case OutcomeFailed:
		c.upstreamErrors.Add(1)
	}
}

// RecordCompression records a rewritten request and its token savings.
func (c *Counters) RecordCompression(tokensSaved int) {
	c.compressions.Add(1)
	if tokensSaved > 0 {
		c.tokensSaved.Add(int64(tokensSaved))
	}
}

// RecordExpansion records a restored response.
func (c *Counters) RecordExpansion() { c.expansions.Add(1) }

// RecordFallback records a guard fallback.
func (c *Counters) RecordFallback() { c.fallbacks.Add(1) }

// RecordUnadaptable records a body no adapter could handle.
func (c *Counters) RecordUnadaptable() { c.unadaptable.Add(1) }

// RecordTunnel records a CONNECT tunnel.
func (c *Counters) RecordTunnel() { c.tunnels.Add(1) }

// RecordResponse counts one served response by route and status class.
func (c *Counters) RecordResponse(route Route, status int) {
	key := responseKey{route: route, class: statusClass(status)}
	c.mu.Lock()
	c.responses[key]++
	c.mu.Unlock()
}

// Responses returns response counts keyed by route, then status class.
func (c *Counters) Responses() map[Route]map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Route]map[string]int64)
	for k, v := range c.responses {
		if out[k.route] == nil {
			out[k.route] = make(map[string]int64)
		}
		out[k.route][k.class] = v
	}
	return out
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Stats returns current counters.
func (c *Counters) Stats() map[string]int64 {
	return map[string]int64{
		"cycles":          c.cycles.Load(),
		"passthroughs":    c.passthroughs.Load(),
		"compressions":    c.compressions.Load(),
		"expansions":      c.expansions.Load(),
		"fallbacks":       c.fallbacks.Load(),
		"unadaptable":     c.unadaptable.Load(),
		"upstream_errors": c.upstreamErrors.Load(),
		"abandoned":       c.abandoned.Load(),
		"tokens_saved":    c.tokensSaved.Load(),
		"tunnels":         c.tunnels.Load(),
	}
}

// Uptime returns how long the counters have been running.
func (c *Counters) Uptime() time.Duration {
	return time.Since(c.startedAt)
}
