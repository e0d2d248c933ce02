// Package gateway is the HTTP front of the stego gateway.
//
// DESIGN: One Gateway owns every long-lived component a cycle touches:
// the runtime Controller, the adapter Registry, the stego pipe, the
// metrics Aggregator and the history Store. Proxy traffic and the
// settings API share server.port; server.ui_port serves the API alone.
//
// FILES:
//   - gateway.go:        Gateway, New(), routes, Start()/Shutdown()
//   - handler.go:        proxy cycle (detect, compress, forward, expand, commit)
//   - router.go:         upstream selection and header hygiene
//   - connect.go:        CONNECT tunnels
//   - settings.go:       /api/* settings and test surface
//   - types.go:          API request/response bodies
//   - stats.go:          /health, /stats, /metrics, /ws/metrics
//   - middleware.go:     panic recovery, rate limit, request trace, security
//   - bedrock_signer.go: AWS SigV4 signing
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/adapters"
	"github.com/stegollm/stego-gateway/internal/config"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/pipes/stego"
	"github.com/stegollm/stego-gateway/internal/store"
)

// Header names understood by the gateway.
const (
	HeaderRequestID            = "X-Request-ID"
	HeaderTargetURL            = "X-Target-URL"
	HeaderCompressionThreshold = "X-Compression-Threshold"
	HeaderContext              = stego.HeaderContext
	HeaderCompressed           = "X-Stego-Compressed"
)

const (
	// MaxRateLimitClients bounds how many client addresses are rate limited
	// at once.
	MaxRateLimitClients = 10000

	// DefaultBufferSize is the streaming copy buffer.
	DefaultBufferSize = 32 * 1024
)

// Version is reported by /health. Set by cmd at startup.
var Version = "dev"

// Gateway is the compression proxy.
type Gateway struct {
	config     *config.Config
	controller *control.Controller
	registry   *adapters.Registry
	pipe       *stego.Pipe

	aggregator    *monitoring.Aggregator
	counters      *monitoring.Counters
	tracker       *monitoring.Tracker
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	tokens        *monitoring.TokenEstimator
	promRegistry  *prometheus.Registry

	store         store.Store
	limiter       *clientLimiter
	bedrockSigner *BedrockSigner
	httpClient    *http.Client
	allowedHosts  map[string]bool

	startedAt time.Time
	server    *http.Server
	uiServer  *http.Server
}

// New wires a Gateway from configuration. ctrl holds the compiled rules;
// logger receives alerts and request logs.
func New(ctx context.Context, cfg *config.Config, ctrl *control.Controller, logger *monitoring.Logger) (*Gateway, error) {
	if logger == nil {
		logger = monitoring.Nop()
	}

	st, err := store.New(ctx, cfg.Store.Type, cfg.Store.DSN, store.Options{
		TTL:        cfg.Store.TTL,
		MaxRecords: cfg.Store.MaxRecords,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:            cfg.Monitoring.TelemetryEnabled || cfg.Monitoring.CompressionLogPath != "",
		LogPath:            cfg.Monitoring.TelemetryPath,
		CompressionLogPath: cfg.Monitoring.CompressionLogPath,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	registry := adapters.NewRegistry()
	registry.SetSupported(cfg.SupportedAPIs())

	g := &Gateway{
		config:        cfg,
		controller:    ctrl,
		registry:      registry,
		pipe:          stego.New(cfg.Compression),
		aggregator:    monitoring.NewAggregator(),
		counters:      monitoring.NewCounters(),
		tracker:       tracker,
		alerts:        monitoring.NewAlertManager(logger, monitoring.AlertConfig{HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold}),
		requestLogger: monitoring.NewRequestLogger(logger),
		tokens:        monitoring.NewTokenEstimator(cfg.Monitoring.TokenEncoding),
		store:         st,
		httpClient: &http.Client{
			Timeout: cfg.Proxy.UpstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowedHosts: make(map[string]bool, len(cfg.Proxy.AllowedHosts)),
		startedAt:    time.Now(),
	}
	for _, h := range cfg.Proxy.AllowedHosts {
		g.allowedHosts[strings.ToLower(strings.Trim(h, "[]"))] = true
	}
	if cfg.Server.RateLimit > 0 {
		if g.limiter, err = newClientLimiter(cfg.Server.RateLimit, MaxRateLimitClients); err != nil {
			_ = tracker.Close()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
	}
	if cfg.Proxy.Bedrock.Enabled {
		g.bedrockSigner = NewBedrockSigner(ctx, cfg.Proxy.Bedrock)
		if g.bedrockSigner.IsConfigured() {
			g.allowedHosts[g.bedrockSigner.Host()] = true
		}
	}
	if cfg.Monitoring.PrometheusEnabled {
		g.promRegistry = monitoring.NewRegistry(monitoring.NewCollector(g.aggregator, g.counters, g.runtimeState))
	}

	log.Info().
		Str("store", cfg.Store.Type).
		Strs("supported_apis", cfg.SupportedAPIs()).
		Bool("bedrock", g.bedrockSigner != nil && g.bedrockSigner.IsConfigured()).
		Bool("prometheus", g.promRegistry != nil).
		Msg("gateway_initialized")

	return g, nil
}

// runtimeState feeds the Prometheus collector.
func (g *Gateway) runtimeState() monitoring.RuntimeState {
	snap := g.controller.Current()
	return monitoring.RuntimeState{
		CompressionEnabled: snap.CompressionEnabled,
		DeepLearning:       snap.DeepLearning,
		RuleSetVersion:     snap.RuleSet.Version(),
	}
}

// Aggregator exposes the metrics aggregator.
func (g *Gateway) Aggregator() *monitoring.Aggregator { return g.aggregator }

// =============================================================================
// ROUTES
// =============================================================================

// apiMux serves the settings API and the metrics surfaces.
func (g *Gateway) apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/ws/metrics", g.handleMetricsStream)
	if g.promRegistry != nil {
		mux.Handle("/metrics", monitoring.Handler(g.promRegistry))
	}

	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/settings/toggle_compression", g.handleToggleCompression)
	mux.HandleFunc("/api/settings/toggle_deep_learning", g.handleToggleDeepLearning)
	mux.HandleFunc("/api/settings/change_strategy", g.handleChangeStrategy)
	mux.HandleFunc("/api/custom_instructions", g.handleCustomInstructions)
	mux.HandleFunc("/api/test_compression", g.handleTestCompression)
	mux.HandleFunc("/api/metrics/clear", g.handleClearMetrics)
	mux.HandleFunc("/api/history", g.handleHistory)
	return mux
}

// Handler returns the proxy listener handler: the API routes plus the proxy
// for everything else, behind the middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := g.apiMux()
	mux.HandleFunc("/", g.handleProxy)

	return g.chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodConnect:
			g.handleConnect(w, r)
		case r.URL.IsAbs():
			// Forward-proxy request line: the client chose the origin.
			g.handleProxy(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	}))
}

// UIHandler returns the ui_port handler: API routes only.
func (g *Gateway) UIHandler() http.Handler {
	return g.chain(g.apiMux())
}

func (g *Gateway) chain(h http.Handler) http.Handler {
	h = g.security(h)
	h = g.trace(h)
	h = g.rateLimit(h)
	return g.panicRecovery(h)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (g *Gateway) Start() error {
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", g.config.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  g.config.Server.ReadTimeout,
		WriteTimeout: g.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	if g.config.Server.UIPort > 0 {
		g.uiServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", g.config.Server.UIPort),
			Handler:      g.UIHandler(),
			ReadTimeout:  g.config.Server.ReadTimeout,
			WriteTimeout: g.config.Server.WriteTimeout,
		}
		go func() { errCh <- serve(g.uiServer) }()
		log.Info().Int("port", g.config.Server.UIPort).Msg("api_listener_started")
	}
	go func() { errCh <- serve(g.server) }()
	log.Info().Int("port", g.config.Server.Port).Msg("gateway_started")

	return <-errCh
}

func serve(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops both listeners and releases the store and telemetry files.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{g.server, g.uiServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Msg("gateway_stopped")
	return errors.Join(errs...)
}

// Close is Shutdown without a deadline.
func (g *Gateway) Close() error {
	return g.Shutdown(context.Background())
}
