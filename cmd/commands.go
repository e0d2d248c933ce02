package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/config"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/engine"
	"github.com/stegollm/stego-gateway/internal/monitoring"
	"github.com/stegollm/stego-gateway/internal/pipes/stego"
	"github.com/stegollm/stego-gateway/internal/rules"
)

// expandPaths resolves "~/" in every configured file path.
func expandPaths(cfg *config.Config) {
	cfg.CustomInstructions.Path = rules.ExpandHome(cfg.CustomInstructions.Path)
	cfg.Store.DSN = rules.ExpandHome(cfg.Store.DSN)
	cfg.Monitoring.TelemetryPath = rules.ExpandHome(cfg.Monitoring.TelemetryPath)
	cfg.Monitoring.CompressionLogPath = rules.ExpandHome(cfg.Monitoring.CompressionLogPath)
	if out := cfg.Monitoring.LogOutput; out != "stdout" && out != "stderr" {
		cfg.Monitoring.LogOutput = rules.ExpandHome(out)
	}
}

// controllerOptions maps the compression and custom_instructions sections.
func controllerOptions(cfg *config.Config) (control.Options, error) {
	kind, err := engine.ParseKind(cfg.Compression.Strategy)
	if err != nil {
		return control.Options{}, err
	}
	opts := control.Options{
		Settings: control.Settings{
			CompressionEnabled: cfg.Compression.Enabled,
			Strategy:           kind,
			DeepLearning:       cfg.Compression.DeepLearningEnabled,
		},
		UseDefaults: cfg.Compression.UseDefaultDictionary,
		CacheSize:   cfg.Compression.CacheSize,
	}
	if cfg.CustomInstructions.Enabled {
		opts.CustomPath = cfg.CustomInstructions.Path
	}
	return opts, nil
}

// buildController compiles the startup rule set. An unreadable or invalid
// custom instruction file is flagged and the gateway starts without it.
func buildController(cfg *config.Config, logger *monitoring.Logger) (*control.Controller, error) {
	opts, err := controllerOptions(cfg)
	if err != nil {
		return nil, err
	}
	alerts := monitoring.NewAlertManager(logger, monitoring.AlertConfig{})

	var custom rules.Instructions
	if opts.CustomPath != "" {
		doc, found, err := rules.LoadFile(opts.CustomPath)
		switch {
		case err != nil:
			alerts.FlagInvalidRuleSet(opts.CustomPath, err)
		case found:
			custom = doc
			log.Info().Str("path", opts.CustomPath).Msg("custom_instructions_loaded")
		}
	}

	ctrl, err := control.New(opts, custom)
	if errors.Is(err, rules.ErrInvalidRuleSet) && !custom.IsEmpty() {
		alerts.FlagInvalidRuleSet(opts.CustomPath, err)
		return control.New(opts, rules.Instructions{})
	}
	return ctrl, err
}

// =============================================================================
// CHECK
// =============================================================================

// runCheck validates the config and compiles the rules strictly: an invalid
// custom instruction file is an error here.
func runCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := controllerOptions(cfg)
	if err != nil {
		return err
	}

	var custom rules.Instructions
	customState := "disabled"
	if opts.CustomPath != "" {
		doc, found, err := rules.LoadFile(opts.CustomPath)
		if err != nil {
			return err
		}
		custom = doc
		customState = opts.CustomPath
		if !found {
			customState += " (not found)"
		}
	}
	rs, err := control.Compile(opts.UseDefaults, custom)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "config:              %s\n", source)
	fmt.Fprintf(out, "listen:              :%d (api :%d)\n", cfg.Server.Port, cfg.Server.UIPort)
	fmt.Fprintf(out, "compression:         %t\n", cfg.Compression.Enabled)
	fmt.Fprintf(out, "strategy:            %s\n", opts.Settings.Strategy)
	fmt.Fprintf(out, "default dictionary:  %t\n", opts.UseDefaults)
	fmt.Fprintf(out, "custom instructions: %s\n", customState)
	fmt.Fprintf(out, "rules:               %d\n", rs.Len())
	fmt.Fprintf(out, "store:               %s\n", cfg.Store.Type)
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// COMPRESS
// =============================================================================

// runCompress compresses one text offline and reports the round trip.
func runCompress(args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("compress", flag.ContinueOnError)
	fs.SetOutput(out)
	instructions := fs.String("instructions", "", "custom instruction file (JSON)")
	contextTags := fs.String("context", "", "comma-separated context tags")
	strategy := fs.String("strategy", string(engine.KindDictionary), "dictionary | huffman | base2048")
	defaults := fs.Bool("defaults", true, "compile the built-in dictionary first")
	detect := fs.Bool("detect", true, "add the programming context for code-like text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var doc rules.Instructions
	if *instructions != "" {
		var found bool
		var err error
		doc, found, err = rules.LoadFile(rules.ExpandHome(*instructions))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("instruction file not found: %s", *instructions)
		}
	}
	kind, err := engine.ParseKind(*strategy)
	if err != nil {
		return err
	}
	rs, err := control.Compile(*defaults, doc)
	if err != nil {
		return err
	}

	text := strings.Join(fs.Args(), " ")
	if text == "" || text == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}

	var tags []string
	for _, tag := range strings.Split(*contextTags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	tr := engine.NewTransformer(rs, engine.Options{Strategy: kind})
	res := stego.Preview(tr, text, tags, *detect)

	roundTrip := "ok"
	if !res.RoundTrip {
		roundTrip = "FAILED"
	}

	fmt.Fprintln(out, res.Output)
	fmt.Fprintln(out, "---")
	fmt.Fprintf(out, "original:   %d chars\n", res.OriginalSize)
	fmt.Fprintf(out, "compressed: %d chars (ratio %.2f)\n", res.TransformedSize, res.Ratio())
	if tags := res.Contexts.Tags(); len(tags) > 0 {
		fmt.Fprintf(out, "contexts:   %s\n", strings.Join(tags, ", "))
	}
	if len(res.Applied) > 0 {
		fmt.Fprintf(out, "applied:    %s\n", strings.Join(res.Applied, ", "))
	}
	if res.Fallback {
		fmt.Fprintln(out, "fallback:   output failed verification, original kept")
	}
	fmt.Fprintf(out, "round-trip: %s\n", roundTrip)
	if !res.RoundTrip {
		return errors.New("round trip did not reproduce the input")
	}
	return nil
}
