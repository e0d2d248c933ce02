// Package monitoring - logger.go provides structured logging via zerolog.
//
// DESIGN: Logger is a zerolog.Logger behind a small facade so components take
// one handle for alerts and request traces. Global() also installs it as
// the zerolog default, which the gateway's request-scoped loggers derive from.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from configuration. An unknown level means info; an
// output file that cannot be opened falls back to stdout with a warning.
func New(cfg LoggerConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	w, openErr := openOutput(cfg.Output)
	l := NewWithWriter(w, level, cfg.Format == "console")
	if openErr != nil {
		l.Warn().Err(openErr).Str("output", cfg.Output).Msg("log_output_fallback_stdout")
	}
	return l
}

// openOutput resolves stdout, stderr or an append-only file.
func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return os.Stdout, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return os.Stdout, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewWithWriter builds a Logger on an arbitrary writer.
func NewWithWriter(w io.Writer, level zerolog.Level, console bool) *Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return &Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Global installs the configured logger as the zerolog default.
func Global(cfg LoggerConfig) *Logger {
	l := New(cfg)
	log.Logger = l.zl
	return l
}

// Debug, Info, Warn and Error start an event at that level.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
