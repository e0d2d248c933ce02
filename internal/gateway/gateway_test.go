package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stegollm/stego-gateway/internal/config"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/rules"
)

const (
	chatRequest      = `{"model":"gpt-4","messages":[{"role":"user","content":"Write a function to implement a binary search algorithm"}]}`
	compressedChat   = `{"model":"gpt-4","messages":[{"role":"user","content":"Write a fn to implement a binary search algo"}]}`
	chatResponse     = `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Here is a fn using the algo"}}]}`
	expandedResponse = `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Here is a function using the algorithm"}}]}`
)

var scenarioRules = rules.Instructions{Dictionaries: []rules.Dictionary{{
	Name:    "d",
	Entries: map[string]string{"function": "fn", "algorithm": "algo"},
}}}

// =============================================================================
// HELPERS
// =============================================================================

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *control.Controller) {
	t.Helper()
	return newLoggedTestGateway(t, monitoring.Nop(), mutate)
}

func newLoggedTestGateway(t *testing.T, logger *monitoring.Logger, mutate func(*config.Config)) (*Gateway, *control.Controller) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateLimit = 0
	cfg.Monitoring.TokenEncoding = monitoring.NoTokenEncoding
	cfg.Monitoring.StreamInterval = 10 * time.Millisecond
	cfg.CustomInstructions.Enabled = false
	cfg.Compression.UseDefaultDictionary = false
	if mutate != nil {
		mutate(cfg)
	}

	ctrl, err := control.New(control.Options{
		Settings:   control.Settings{CompressionEnabled: true},
		CustomPath: filepath.Join(t.TempDir(), "custom_instructions.json"),
	}, scenarioRules)
	require.NoError(t, err)

	g, err := New(context.Background(), cfg, ctrl, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, ctrl
}

type upstreamCall struct {
	path   string
	body   string
	header http.Header
}

// newUpstream serves a fixed response and reports every request it sees.
func newUpstream(t *testing.T, status int, contentType, body string) (*httptest.Server, <-chan upstreamCall) {
	t.Helper()
	calls := make(chan upstreamCall, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		calls <- upstreamCall{path: r.URL.Path, body: string(data), header: r.Header.Clone()}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func proxyRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTargetURL, target)
	return req
}

func do(g *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func receive(t *testing.T, calls <-chan upstreamCall) upstreamCall {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not called")
		return upstreamCall{}
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// =============================================================================
// PROXY CYCLE
// =============================================================================

func TestProxy_CompressesAndExpands(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)

	rec := do(g, proxyRequest(up.URL, chatRequest))

	call := receive(t, calls)
	assert.Equal(t, "/v1/chat/completions", call.path)
	assert.Equal(t, compressedChat, call.body)
	assert.Empty(t, call.header.Get(HeaderTargetURL))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, expandedResponse, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get(HeaderCompressed))
	assert.Equal(t, fmt.Sprint(len(expandedResponse)), rec.Header().Get("Content-Length"))

	m := g.Aggregator().Snapshot()
	assert.Equal(t, int64(1), m.Requests)
	assert.Equal(t, int64(55), m.OriginalSize)
	assert.Equal(t, int64(44), m.CompressedSize)

	stats := g.counters.Stats()
	assert.Equal(t, int64(1), stats["compressions"])
	assert.Equal(t, int64(1), stats["expansions"])

	records, err := g.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "openai", records[0].Provider)
	assert.Equal(t, "gpt-4", records[0].Model)
	assert.Equal(t, string(monitoring.OutcomeReturned), records[0].Outcome)
	assert.True(t, records[0].Expanded)
}

func TestProxy_DisabledForwardsOriginalBytes(t *testing.T) {
	g, ctrl := newTestGateway(t, nil)
	ctrl.SetCompression(false)
	up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)

	rec := do(g, proxyRequest(up.URL, chatRequest))

	assert.Equal(t, chatRequest, receive(t, calls).body)
	assert.Equal(t, chatResponse, rec.Body.String())
	assert.Empty(t, rec.Header().Get(HeaderCompressed))
	assert.Equal(t, int64(0), g.Aggregator().Snapshot().Requests)
	assert.Equal(t, int64(1), g.counters.Stats()["passthroughs"])
}

func TestProxy_UnknownBodyPassesThrough(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	up, calls := newUpstream(t, http.StatusOK, "application/json", `{"ok":true}`)

	rec := do(g, proxyRequest(up.URL, `{"foo":"bar"}`))

	assert.Equal(t, `{"foo":"bar"}`, receive(t, calls).body)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, int64(0), g.Aggregator().Snapshot().Requests)
	assert.Equal(t, int64(1), g.counters.Stats()["unadaptable"])
	assert.Equal(t, int64(1), g.counters.Stats()["passthroughs"])
}

func TestProxy_NonJSONBodyPassesThrough(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	up, calls := newUpstream(t, http.StatusOK, "text/plain", "pong")

	rec := do(g, proxyRequest(up.URL, "not json at all"))

	assert.Equal(t, "not json at all", receive(t, calls).body)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestProxy_ThresholdHeader(t *testing.T) {
	t.Run("off skips compression", func(t *testing.T) {
		g, _ := newTestGateway(t, nil)
		up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)

		req := proxyRequest(up.URL, chatRequest)
		req.Header.Set(HeaderCompressionThreshold, "off")
		do(g, req)

		call := receive(t, calls)
		assert.Equal(t, chatRequest, call.body)
		assert.Empty(t, call.header.Get(HeaderCompressionThreshold))
		assert.Equal(t, int64(0), g.Aggregator().Snapshot().Requests)
	})

	t.Run("below threshold still counts sizes", func(t *testing.T) {
		g, _ := newTestGateway(t, nil)
		up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)

		req := proxyRequest(up.URL, chatRequest)
		req.Header.Set(HeaderCompressionThreshold, "1k")
		rec := do(g, req)

		assert.Equal(t, chatRequest, receive(t, calls).body)
		assert.Equal(t, chatResponse, rec.Body.String())

		m := g.Aggregator().Snapshot()
		assert.Equal(t, int64(1), m.Requests)
		assert.Equal(t, int64(55), m.OriginalSize)
		assert.Equal(t, int64(55), m.CompressedSize)
	})
}

func TestProxy_StreamingResponseIsNotExpanded(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"a fn\"}}]}\n\ndata: [DONE]\n\n"
	up, calls := newUpstream(t, http.StatusOK, "text/event-stream", stream)

	rec := do(g, proxyRequest(up.URL, chatRequest))

	assert.Equal(t, compressedChat, receive(t, calls).body)
	assert.Equal(t, stream, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(0), g.counters.Stats()["expansions"])
	assert.Equal(t, int64(1), g.Aggregator().Snapshot().Requests)
}

func TestProxy_ProviderErrorIsRelayed(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	up, _ := newUpstream(t, http.StatusInternalServerError, "application/json", `{"error":"a fn failed"}`)

	rec := do(g, proxyRequest(up.URL, chatRequest))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, `{"error":"a fn failed"}`, rec.Body.String())
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rec := do(g, proxyRequest("http://127.0.0.1:1", chatRequest))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "gateway_error", decodeError(t, rec).Error.Type)
	assert.Equal(t, int64(1), g.counters.Stats()["upstream_errors"])
	assert.Equal(t, int64(0), g.Aggregator().Snapshot().Requests)
}

func TestProxy_ClientCancelCommitsNothing(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	reached := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(up.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := proxyRequest(up.URL, chatRequest).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		do(g, req)
	}()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not called")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	snap := g.Aggregator().Snapshot()
	assert.Equal(t, int64(0), snap.Requests)
	assert.Equal(t, int64(0), snap.OriginalSize)
	assert.Equal(t, int64(0), snap.CompressedSize)
	assert.Equal(t, int64(1), g.counters.Stats()["abandoned"])
	assert.Equal(t, int64(0), g.counters.Stats()["upstream_errors"])

	history, err := g.store.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProxy_HostNotAllowed(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rec := do(g, proxyRequest("http://evil.example.com", chatRequest))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "not allowed")
}

func TestProxy_BodyTooLarge(t *testing.T) {
	g, _ := newTestGateway(t, func(c *config.Config) { c.Server.MaxBodyBytes = 16 })

	rec := do(g, proxyRequest("http://127.0.0.1:1", chatRequest))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestProxy_AutoDetectsOpenAIUpstream(t *testing.T) {
	up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)
	g, _ := newTestGateway(t, func(c *config.Config) { c.Proxy.Upstreams.OpenAI = up.URL })

	req := httptest.NewRequest(http.MethodPost, "/chat/completions?trace=1", strings.NewReader(chatRequest))
	req.Header.Set("Content-Type", "application/json")
	rec := do(g, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	call := receive(t, calls)
	assert.Equal(t, "/v1/chat/completions", call.path)
	assert.Equal(t, compressedChat, call.body)
}

func TestProxy_ForwardProxyRequestLine(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	up, calls := newUpstream(t, http.StatusOK, "application/json", chatResponse)

	req := httptest.NewRequest(http.MethodPost, up.URL+"/v1/chat/completions", strings.NewReader(chatRequest))
	req.Header.Set("Content-Type", "application/json")
	rec := do(g, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, expandedResponse, rec.Body.String())
	assert.Equal(t, compressedChat, receive(t, calls).body)
}

func TestProxy_RateLimit(t *testing.T) {
	g, _ := newTestGateway(t, func(c *config.Config) { c.Server.RateLimit = 1 })

	first := do(g, httptest.NewRequest(http.MethodGet, "/health", nil))
	second := do(g, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

// =============================================================================
// CONNECT & WEBSOCKET
// =============================================================================

func TestConnect_TunnelsBytes(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = echo.Close() })
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	target := echo.Addr().String()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	assert.Equal(t, int64(1), g.counters.Stats()["tunnels"])
}

func TestConnect_HostNotAllowed(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "evil.example.com:443"
	rec := do(g, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsStream_PushesStatus(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/metrics", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	for i := 0; i < 2; i++ {
		var status StatusResponse
		require.NoError(t, wsjson.Read(ctx, conn, &status))
		assert.True(t, status.CompressionEnabled)
		assert.Equal(t, "dictionary", status.Strategy)
		assert.Equal(t, 2, status.Rules)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
