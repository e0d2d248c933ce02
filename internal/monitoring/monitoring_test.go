package monitoring_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stegollm/stego-gateway/internal/monitoring"
)

func TestAggregator_ConcurrentRecords(t *testing.T) {
	agg := monitoring.NewAggregator()

	const workers, perWorker = 16, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				agg.Record(55, 44)
			}
		}()
	}
	wg.Wait()

	snap := agg.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.Requests)
	assert.Equal(t, int64(workers*perWorker*55), snap.OriginalSize)
	assert.Equal(t, int64(workers*perWorker*44), snap.CompressedSize)
	assert.Equal(t, int64(workers*perWorker*11), snap.SavedSize())
	assert.InDelta(t, 0.8, snap.Ratio(), 1e-9)
}

func TestAggregator_Clear(t *testing.T) {
	agg := monitoring.NewAggregator()
	before := agg.Since()
	agg.Record(10, 5)

	prev := agg.Clear()
	assert.Equal(t, int64(1), prev.Requests)
	assert.Equal(t, monitoring.MetricsSnapshot{}, agg.Snapshot())
	assert.Equal(t, 1.0, agg.Snapshot().Ratio())
	assert.False(t, agg.Since().Before(before))
}

func TestCounters_RecordCycle(t *testing.T) {
	c := monitoring.NewCounters()
	c.RecordCycle(monitoring.OutcomeReturned)
	c.RecordCycle(monitoring.OutcomePassthrough)
	c.RecordCycle(monitoring.OutcomeFailed)
	c.RecordCompression(12)
	c.RecordCompression(-3)
	c.RecordFallback()

	stats := c.Stats()
	assert.Equal(t, int64(3), stats["cycles"])
	assert.Equal(t, int64(1), stats["passthroughs"])
	assert.Equal(t, int64(1), stats["upstream_errors"])
	assert.Equal(t, int64(2), stats["compressions"])
	assert.Equal(t, int64(12), stats["tokens_saved"])
	assert.Equal(t, int64(1), stats["fallbacks"])
}

func TestCollector_ExportsSnapshot(t *testing.T) {
	agg := monitoring.NewAggregator()
	agg.Record(55, 44)
	counters := monitoring.NewCounters()
	counters.RecordCycle(monitoring.OutcomeReturned)
	counters.RecordResponse(monitoring.RouteProxy, http.StatusOK)

	collector := monitoring.NewCollector(agg, counters, func() monitoring.RuntimeState {
		return monitoring.RuntimeState{CompressionEnabled: true, RuleSetVersion: 7}
	})
	srv := httptest.NewServer(monitoring.Handler(monitoring.NewRegistry(collector)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := buf.String()

	assert.Contains(t, body, "stego_requests_total 1")
	assert.Contains(t, body, "stego_original_chars_total 55")
	assert.Contains(t, body, "stego_compressed_chars_total 44")
	assert.Contains(t, body, "stego_compression_enabled 1")
	assert.Contains(t, body, "stego_deep_learning_enabled 0")
	assert.Contains(t, body, "stego_rule_set_version 7")
	assert.Contains(t, body, `stego_cycles_total{kind="cycles"} 1`)
	assert.Contains(t, body, `stego_http_responses_total{class="2xx",route="proxy"} 1`)
}

func TestTokenEstimator_Fallback(t *testing.T) {
	est := monitoring.NewTokenEstimator("no_such_encoding")
	assert.False(t, est.Exact())
	assert.Equal(t, 0, est.Count(""))
	assert.Equal(t, 3, est.Count("Write a fn"))
	assert.Equal(t, 4, est.CountAll([]string{"12345678", "abc", "de"}))
	assert.Equal(t, 1, monitoring.EstimateTokens("é"))
}

func TestTracker_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	cycles := filepath.Join(dir, "logs", "telemetry.jsonl")
	comparisons := filepath.Join(dir, "logs", "compression.jsonl")

	tr, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:            true,
		LogPath:            cycles,
		CompressionLogPath: comparisons,
	})
	require.NoError(t, err)
	require.True(t, tr.CompressionLogEnabled())

	tr.RecordCycle(&monitoring.CycleEvent{RequestID: "a", Outcome: monitoring.OutcomeReturned, OriginalSize: 55, CompressedSize: 44})
	tr.RecordCycle(&monitoring.CycleEvent{RequestID: "b", Outcome: monitoring.OutcomePassthrough})
	tr.LogCompressionComparison(monitoring.CompressionComparison{RequestID: "a", Status: "compressed"})

	n, m := tr.Counts()
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	f, err := os.Open(cycles)
	require.NoError(t, err)
	defer f.Close()

	var events []monitoring.CycleEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev monitoring.CycleEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, 44, events[0].CompressedSize)
	assert.Equal(t, monitoring.OutcomePassthrough, events[1].Outcome)
}

func TestTracker_Disabled(t *testing.T) {
	tr, err := monitoring.NewTracker(monitoring.TelemetryConfig{LogPath: filepath.Join(t.TempDir(), "x.jsonl")})
	require.NoError(t, err)
	tr.RecordCycle(&monitoring.CycleEvent{RequestID: "a"})
	assert.False(t, tr.CompressionLogEnabled())
	n, _ := tr.Counts()
	assert.Equal(t, 0, n)
}

func TestAlertManager_UnadaptableBurst(t *testing.T) {
	var buf bytes.Buffer
	logger := monitoring.NewWithWriter(&buf, zerolog.DebugLevel, false)
	am := monitoring.NewAlertManager(logger, monitoring.AlertConfig{
		UnadaptableBurst:  3,
		UnadaptableWindow: time.Hour,
	})

	assert.False(t, am.FlagUnadaptable("r1", "/x", nil))
	assert.False(t, am.FlagUnadaptable("r2", "/x", nil))
	assert.True(t, am.FlagUnadaptable("r3", "/x", nil))
	assert.False(t, am.FlagUnadaptable("r4", "/x", nil), "warns once per window")
	assert.Equal(t, 1, strings.Count(buf.String(), "unadaptable_burst"))
}

func TestAlertManager_HighLatency(t *testing.T) {
	am := monitoring.NewAlertManager(monitoring.Nop(), monitoring.AlertConfig{HighLatencyThreshold: time.Second})
	assert.False(t, am.FlagHighLatency("r", 10*time.Millisecond, "openai", "/v1/chat/completions"))
	assert.True(t, am.FlagHighLatency("r", 2*time.Second, "openai", "/v1/chat/completions"))
}

func TestExchangeContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, monitoring.ExchangeFrom(req.Context()))
	assert.Empty(t, monitoring.RequestIDFromContext(req.Context()))
	assert.NotNil(t, monitoring.LoggerFrom(req.Context()))

	ex := monitoring.NewExchange("abc", http.MethodPost, "/v1/chat/completions", "10.0.0.1", monitoring.RouteAPI)
	ctx := monitoring.WithExchange(req.Context(), ex)
	assert.Same(t, ex, monitoring.ExchangeFrom(ctx))
	assert.Equal(t, "abc", monitoring.RequestIDFromContext(ctx))

	var nilExchange *monitoring.Exchange
	nilExchange.SetRoute(monitoring.RouteProxy)
	nilExchange.RecordCycle(&monitoring.CycleEvent{})
}

func TestRequestLogger_LogExchange(t *testing.T) {
	var buf bytes.Buffer
	rl := monitoring.NewRequestLogger(monitoring.NewWithWriter(&buf, zerolog.InfoLevel, false))

	ex := monitoring.NewExchange("req-1", http.MethodPost, "/v1/chat/completions", "10.0.0.1", monitoring.RouteAPI)
	ex.SetRoute(monitoring.RouteProxy)
	ex.RecordCycle(&monitoring.CycleEvent{
		Provider:       "openai",
		Outcome:        monitoring.OutcomeReturned,
		OriginalSize:   55,
		CompressedSize: 44,
		Expanded:       true,
	})
	rl.LogExchange(ex, http.StatusOK, 120)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "exchange", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "proxy", line["route"])
	assert.Equal(t, "openai", line["provider"])
	assert.Equal(t, "returned", line["outcome"])
	assert.EqualValues(t, 55, line["original"])
	assert.EqualValues(t, 44, line["compressed"])
	assert.InDelta(t, 0.8, line["ratio"], 0.001)
	assert.Equal(t, true, line["expanded"])
}

func TestRequestLogger_APIExchangesAreDebug(t *testing.T) {
	var buf bytes.Buffer
	rl := monitoring.NewRequestLogger(monitoring.NewWithWriter(&buf, zerolog.InfoLevel, false))

	rl.LogExchange(monitoring.NewExchange("a", http.MethodGet, "/api/status", "", monitoring.RouteAPI), http.StatusOK, 10)
	assert.Empty(t, buf.String())

	rl.LogExchange(monitoring.NewExchange("b", http.MethodGet, "/api/status", "", monitoring.RouteAPI), http.StatusInternalServerError, 10)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.NotContains(t, buf.String(), `"outcome"`)
}

func TestCounters_Responses(t *testing.T) {
	c := monitoring.NewCounters()
	c.RecordResponse(monitoring.RouteProxy, http.StatusOK)
	c.RecordResponse(monitoring.RouteProxy, http.StatusCreated)
	c.RecordResponse(monitoring.RouteProxy, http.StatusBadGateway)
	c.RecordResponse(monitoring.RouteAPI, http.StatusForbidden)

	got := c.Responses()
	assert.Equal(t, map[string]int64{"2xx": 2, "5xx": 1}, got[monitoring.RouteProxy])
	assert.Equal(t, map[string]int64{"4xx": 1}, got[monitoring.RouteAPI])
	assert.Empty(t, got[monitoring.RouteTunnel])
}
