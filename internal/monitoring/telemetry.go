// Package monitoring - telemetry.go appends cycle events to JSONL files.
//
// DESIGN: Tracker owns up to two jsonlSinks:
//   - cycles:      one CycleEvent per finished proxy or tunnel cycle
//   - comparisons: original vs compressed prompt text (debug aid)
//
// Each sink opens its file once and appends one object per line, so the
// files can be tailed while the gateway runs.
package monitoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// jsonlSink appends JSON lines to one file.
type jsonlSink struct {
	path  string
	mu    sync.Mutex
	f     *os.File
	lines int
}

func openSink(path string) (*jsonlSink, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &jsonlSink{path: path, f: f}, nil
}

func (s *jsonlSink) append(v any) {
	if s == nil {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("telemetry_encode_failed")
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if _, err := s.f.Write(line); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("telemetry_write_failed")
		return
	}
	s.lines++
}

func (s *jsonlSink) count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

func (s *jsonlSink) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Tracker records cycle telemetry.
type Tracker struct {
	cycles      *jsonlSink
	comparisons *jsonlSink
}

// NewTracker opens the configured files. A disabled tracker records nothing.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{}
	if !cfg.Enabled {
		return t, nil
	}
	var err error
	if t.cycles, err = openSink(cfg.LogPath); err != nil {
		return nil, err
	}
	if t.comparisons, err = openSink(cfg.CompressionLogPath); err != nil {
		_ = t.cycles.close()
		return nil, err
	}
	return t, nil
}

// RecordCycle appends a cycle event.
func (t *Tracker) RecordCycle(event *CycleEvent) {
	t.cycles.append(event)
}

// CompressionLogEnabled reports whether comparisons are being written.
func (t *Tracker) CompressionLogEnabled() bool {
	return t.comparisons != nil
}

// LogCompressionComparison appends original and compressed text side by side.
func (t *Tracker) LogCompressionComparison(comparison CompressionComparison) {
	t.comparisons.append(comparison)
}

// Counts returns how many cycle and comparison events were written.
func (t *Tracker) Counts() (cycles, comparisons int) {
	return t.cycles.count(), t.comparisons.count()
}

// Close logs a session summary and closes both files.
func (t *Tracker) Close() error {
	cycles, comparisons := t.Counts()
	if cycles > 0 {
		log.Info().
			Str("path", t.cycles.path).
			Int("events", cycles).
			Int("comparisons", comparisons).
			Msg("telemetry_session_complete")
	}
	return errors.Join(t.cycles.close(), t.comparisons.close())
}
