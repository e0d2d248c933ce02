// Package main is the entry point for the stego gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/stegollm/stego-gateway/internal/config"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/gateway"
	"github.com/stegollm/stego-gateway/internal/monitoring"
)

// ANSI color codes
const (
	stegoViolet = "\033[38;2;111;66;193m" // #6F42C1
	bold        = "\033[1m"
	reset       = "\033[0m"
)

// ASCII banner for startup
const banner = `
 ███████╗████████╗███████╗ ██████╗  ██████╗
 ██╔════╝╚══██╔══╝██╔════╝██╔════╝ ██╔═══██╗
 ███████╗   ██║   █████╗  ██║  ███╗██║   ██║
 ╚════██║   ██║   ██╔══╝  ██║   ██║██║   ██║
 ███████║   ██║   ███████╗╚██████╔╝╚██████╔╝
 ╚══════╝   ╚═╝   ╚══════╝ ╚═════╝  ╚═════╝  gateway
`

const shutdownTimeout = 30 * time.Second

func printBanner() {
	fmt.Print(stegoViolet + bold + banner + reset + "\n")
}

// configDir returns ~/.config/stegollm, or "" without a home directory.
func configDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "stegollm")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	if dir := configDir(); dir != "" {
		configEnv := filepath.Join(dir, ".env")
		if _, err := os.Stat(configEnv); err == nil {
			_ = godotenv.Load(configEnv)
		}
	}

	// Also load local .env (does not override what is already set)
	_ = godotenv.Load()
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve", "start":
		runGatewayServer(args)
	case "check":
		loadEnvFiles()
		if err := runCheck(args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			os.Exit(1)
		}
	case "compress":
		if err := runCompress(args, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "compress failed: %v\n", err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		PrintVersion()
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

// defaultSearchPaths lists config locations in order of preference.
func defaultSearchPaths() []string {
	var paths []string
	if dir := configDir(); dir != "" {
		paths = append(paths, filepath.Join(dir, "config.yaml"))
	}
	return append(paths, filepath.Join("configs", "config.yaml"))
}

// resolveConfig returns the raw config and where it came from.
// Checks: user flag -> search paths -> embedded default.
func resolveConfig(userConfig string, searchPaths []string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := getEmbeddedConfig("config")
	if err != nil {
		return nil, "", fmt.Errorf("no config file found. Specify --config path")
	}
	return data, "(embedded) config.yaml", nil
}

// loadConfig resolves, parses and validates the configuration.
func loadConfig(userConfig string) (*config.Config, string, error) {
	data, source, err := resolveConfig(userConfig, defaultSearchPaths())
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, fmt.Errorf("%s: %w", source, err)
	}
	expandPaths(cfg)
	return cfg, source, nil
}

// runGatewayServer starts the gateway proxy server
func runGatewayServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	port := fs.Int("port", 0, "proxy port (overrides server.port)")
	uiPort := fs.Int("ui-port", -1, "API-only port (overrides server.ui_port, 0 disables)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args) // ExitOnError handles errors

	if !*noBanner && term.IsTerminal(int(os.Stdout.Fd())) {
		printBanner()
	}

	// Console logging until the config says otherwise
	setupLogging(monitoring.LoggerConfig{Level: levelFor("info", *verbose), Format: "console"})

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *uiPort >= 0 {
		cfg.Server.UIPort = *uiPort
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid command line overrides")
	}

	logger := setupLogging(monitoring.LoggerConfig{
		Level:  levelFor(cfg.Monitoring.LogLevel, *verbose),
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})

	gateway.Version = Version
	log.Info().
		Str("version", Version).
		Str("config", source).
		Msg("stego_gateway_starting")

	ctrl, err := buildController(cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile rules")
	}

	snap := ctrl.Current()
	log.Info().
		Int("port", cfg.Server.Port).
		Int("ui_port", cfg.Server.UIPort).
		Bool("compression", snap.CompressionEnabled).
		Str("strategy", string(snap.Strategy)).
		Int("rules", snap.RuleSet.Len()).
		Msg("configuration loaded")

	gw, err := gateway.New(context.Background(), cfg, ctrl, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	stopped := make(chan struct{})
	go handleSignals(gw, ctrl, stopped)

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}
	<-stopped

	log.Info().Msg("stego gateway stopped")
}

// handleSignals reloads custom instructions on SIGHUP and shuts the
// gateway down on SIGINT or SIGTERM.
func handleSignals(gw *gateway.Gateway, ctrl *control.Controller, stopped chan<- struct{}) {
	defer close(stopped)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			snap, err := ctrl.Reload()
			switch {
			case errors.Is(err, control.ErrNoInstructionsPath):
				log.Info().Msg("custom instructions disabled, nothing to reload")
			case err != nil:
				log.Error().Err(err).Msg("custom_instructions_reload_failed")
			default:
				log.Info().
					Uint64("rule_set_version", snap.RuleSet.Version()).
					Int("rules", snap.RuleSet.Len()).
					Msg("custom_instructions_reloaded")
			}
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
		cancel()
		return
	}
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg monitoring.LoggerConfig) *monitoring.Logger {
	return monitoring.Global(cfg)
}

func levelFor(level string, verbose bool) string {
	if verbose {
		return "debug"
	}
	return level
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("stego-gateway - reversible prompt compression proxy for LLM APIs")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stego-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway (default)")
	fmt.Println("  check        Validate the config and the rule set, then exit")
	fmt.Println("  compress     Compress TEXT with an instruction file and print the result")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Serve Options:")
	fmt.Println("  --config FILE     Gateway config (default: ~/.config/stegollm/config.yaml,")
	fmt.Println("                    then configs/config.yaml, then the built-in default)")
	fmt.Println("  --port PORT       Proxy port")
	fmt.Println("  --ui-port PORT    API-only port, 0 disables")
	fmt.Println("  --verbose         Enable debug logging")
	fmt.Println("  --no-banner       Suppress startup banner")
	fmt.Println()
	fmt.Println("Compress Options:")
	fmt.Println("  stego-gateway compress --instructions FILE [--context TAGS] [--strategy NAME] TEXT")
	fmt.Println("  TEXT '-' or omitted reads standard input.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGHUP reloads the custom instruction file.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  stego-gateway                      Start on :8080 (API on :8081)")
	fmt.Println("  stego-gateway serve --verbose      Start with debug logging")
	fmt.Println("  stego-gateway check --config my.yaml")
	fmt.Println("  echo 'Write a function' | stego-gateway compress --instructions rules.json")
}
