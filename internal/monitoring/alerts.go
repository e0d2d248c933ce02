// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:     Warn when an upstream call exceeds threshold
//   - FlagProviderError:   Warn on upstream 4xx/5xx responses
//   - FlagInvalidRuleSet:  Warn when custom instructions are rejected
//   - FlagUnadaptable:     Debug per body, Warn once per burst
//   - FlagGuardFallback:   Warn when the round-trip guard rejects output
//   - FlagPanic:           Error on recovered panics
package monitoring

import (
	"sync"
	"time"
)

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration

	burst       int
	window      time.Duration
	mu          sync.Mutex
	windowStart time.Time
	windowCount int
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 5 * time.Second
	}
	burst := cfg.UnadaptableBurst
	if burst <= 0 {
		burst = 20
	}
	window := cfg.UnadaptableWindow
	if window <= 0 {
		window = time.Minute
	}
	return &AlertManager{
		logger:               logger,
		highLatencyThreshold: threshold,
		burst:                burst,
		window:               window,
	}
}

// FlagHighLatency logs when upstream latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, provider, path string) bool {
	if latency < am.highLatencyThreshold {
		return false
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("provider", provider).
		Str("path", path).
		Msg("high_latency")
	return true
}

// FlagProviderError logs an upstream error status.
func (am *AlertManager) FlagProviderError(requestID, provider string, statusCode int) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("provider", provider).
		Int("status", statusCode).
		Msg("provider_error")
}

// FlagUpstreamError logs a transport failure towards the origin.
func (am *AlertManager) FlagUpstreamError(requestID, provider, target string, err error) {
	am.logger.Error().
		Str("request_id", requestID).
		Str("provider", provider).
		Str("target", target).
		Err(err).
		Msg("upstream_error")
}

// FlagInvalidRuleSet logs rejected custom instructions.
func (am *AlertManager) FlagInvalidRuleSet(source string, err error) {
	am.logger.Warn().
		Str("source", source).
		Err(err).
		Msg("invalid_rule_set")
}

// FlagUnadaptable logs a body no adapter could handle. It returns true when
// this call crossed the burst threshold for the current window.
func (am *AlertManager) FlagUnadaptable(requestID, path string, err error) bool {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("path", path).
		Err(err).
		Msg("unadaptable")

	am.mu.Lock()
	now := time.Now()
	if now.Sub(am.windowStart) > am.window {
		am.windowStart = now
		am.windowCount = 0
	}
	am.windowCount++
	crossed := am.windowCount == am.burst
	am.mu.Unlock()

	if crossed {
		am.logger.Warn().
			Int("count", am.burst).
			Dur("window", am.window).
			Msg("unadaptable_burst")
	}
	return crossed
}

// FlagGuardFallback logs a compression rejected by the round-trip guard.
func (am *AlertManager) FlagGuardFallback(requestID, strategy string, size int) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("strategy", strategy).
		Int("size", size).
		Msg("compression_guard_fallback")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
