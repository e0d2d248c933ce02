// Settings API - runtime toggles, custom instructions and the test surface.
//
// DESIGN: Every write goes through control.Controller, which builds a new
// snapshot and swaps it atomically. In-flight cycles keep the snapshot they
// started with. A rejected rule document leaves the active one in place.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/engine"
	"github.com/stegollm/stego-gateway/internal/pipes/stego"
	"github.com/stegollm/stego-gateway/internal/rules"
)

const (
	maxAPIBodyBytes     = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// allowMethod writes 405 unless r uses one of methods.
func (g *Gateway) allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodyBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > maxAPIBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxAPIBodyBytes)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// status builds the status surface from the current snapshot.
func (g *Gateway) status() StatusResponse {
	snap := g.controller.Current()
	return StatusResponse{
		CompressionEnabled:  snap.CompressionEnabled,
		Strategy:            string(snap.Strategy),
		DeepLearningEnabled: snap.DeepLearning,
		RuleSetVersion:      snap.RuleSet.Version(),
		Rules:               snap.RuleSet.Len(),
		Metrics:             g.statusMetrics(),
	}
}

func (g *Gateway) statusMetrics() StatusMetrics {
	m := g.aggregator.Snapshot()
	return StatusMetrics{
		Requests:         m.Requests,
		OriginalSize:     m.OriginalSize,
		CompressedSize:   m.CompressedSize,
		SavedSize:        m.SavedSize(),
		CompressionRatio: m.Ratio(),
		Since:            g.aggregator.Since().Format(time.RFC3339),
	}
}

// handleStatus serves GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, g.status())
}

// =============================================================================
// TOGGLES
// =============================================================================

func (g *Gateway) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	if !g.allowMethod(w, r, http.MethodPost) {
		return false, false
	}
	var req ToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return false, false
	}
	if req.Enabled == nil {
		g.writeError(w, `"enabled" is required`, http.StatusBadRequest)
		return false, false
	}
	return *req.Enabled, true
}

// handleToggleCompression serves POST /api/settings/toggle_compression.
func (g *Gateway) handleToggleCompression(w http.ResponseWriter, r *http.Request) {
	enabled, ok := g.decodeToggle(w, r)
	if !ok {
		return
	}
	snap := g.controller.SetCompression(enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"compression_enabled": snap.CompressionEnabled,
		"message":             "compression " + onOff(snap.CompressionEnabled),
	})
}

// handleToggleDeepLearning serves POST /api/settings/toggle_deep_learning.
func (g *Gateway) handleToggleDeepLearning(w http.ResponseWriter, r *http.Request) {
	enabled, ok := g.decodeToggle(w, r)
	if !ok {
		return
	}
	snap := g.controller.SetDeepLearning(enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"deep_learning_enabled": snap.DeepLearning,
		"message":               "deep learning " + onOff(snap.DeepLearning),
	})
}

// handleChangeStrategy serves POST /api/settings/change_strategy.
func (g *Gateway) handleChangeStrategy(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodPost) {
		return
	}
	var req StrategyRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := engine.ParseKind(req.Strategy)
	if err != nil {
		writeErrorType(w, err.Error(), "invalid_strategy", http.StatusBadRequest)
		return
	}
	snap := g.controller.SetStrategy(kind)
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": string(snap.Strategy),
		"message":  "strategy set to " + string(snap.Strategy),
	})
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// =============================================================================
// CUSTOM INSTRUCTIONS
// =============================================================================

// handleCustomInstructions serves GET and POST /api/custom_instructions.
func (g *Gateway) handleCustomInstructions(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		doc := g.controller.Current().Custom
		if doc.Rules == nil {
			doc.Rules = []rules.Rule{}
		}
		if doc.Dictionaries == nil {
			doc.Dictionaries = []rules.Dictionary{}
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodyBytes))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	doc, err := rules.ParseInstructions(data)
	if err != nil {
		writeErrorType(w, err.Error(), "invalid_request", http.StatusBadRequest)
		return
	}

	persisted := true
	snap, err := g.controller.SaveInstructions(doc)
	if errors.Is(err, control.ErrNoInstructionsPath) {
		persisted = false
		snap, err = g.controller.ApplyInstructions(doc)
	}
	switch {
	case errors.Is(err, rules.ErrInvalidRuleSet):
		g.alerts.FlagInvalidRuleSet("api", err)
		writeErrorType(w, err.Error(), "invalid_rule_set", http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Msg("custom_instructions_save_failed")
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "custom instructions applied",
		"persisted":        persisted,
		"rule_set_version": snap.RuleSet.Version(),
		"rules":            snap.RuleSet.Len(),
	})
}

// =============================================================================
// TEST COMPRESSION
// =============================================================================

// handleTestCompression serves POST /api/test_compression. It compiles a
// throwaway rule set and never touches the active snapshot or the metrics.
func (g *Gateway) handleTestCompression(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodPost) {
		return
	}
	var req TestCompressionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rs, err := control.Compile(req.IncludeDefaults, req.Instructions)
	if err != nil {
		writeErrorType(w, err.Error(), "invalid_rule_set", http.StatusBadRequest)
		return
	}

	// The other strategies are no-op layers; a preview under them would
	// always come back unchanged.
	tr := engine.NewTransformer(rs, engine.Options{Strategy: engine.KindDictionary})
	tags := append(slices.Clone(g.config.Compression.Contexts), req.Context...)
	res := stego.Preview(tr, req.Prompt, tags, g.config.Compression.DetectContexts)

	applied := res.Applied
	if applied == nil {
		applied = []string{}
	}
	writeJSON(w, http.StatusOK, TestCompressionResponse{
		Original:         req.Prompt,
		Compressed:       res.Output,
		OriginalSize:     res.OriginalSize,
		CompressedSize:   res.TransformedSize,
		CompressionRatio: res.Ratio(),
		Applied:          applied,
		Contexts:         res.Contexts.Tags(),
		Strategy:         string(engine.KindDictionary),
		ActiveStrategy:   string(g.controller.Current().Strategy),
		Fallback:         res.Fallback,
		RoundTrip:        res.RoundTrip,
	})
}

// =============================================================================
// METRICS & HISTORY
// =============================================================================

// handleClearMetrics serves POST /api/metrics/clear. Loopback only.
func (g *Gateway) handleClearMetrics(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodPost) {
		return
	}
	if !isLoopback(r.RemoteAddr) {
		g.writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	prev := g.aggregator.Clear()
	log.Info().
		Int64("requests", prev.Requests).
		Int64("original_size", prev.OriginalSize).
		Int64("compressed_size", prev.CompressedSize).
		Msg("metrics_cleared")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "metrics cleared",
		"cleared": prev,
	})
}

// handleHistory serves GET /api/history?limit=N.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !g.allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := g.store.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("history_read_failed")
		g.writeError(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Records: records, Count: len(records)})
}
