// Package control holds the runtime state every proxy cycle reads.
//
// DESIGN: The current settings, the compiled RuleSet and the Transformer
// built from them form one immutable Snapshot. The Controller publishes it
// through an atomic pointer: a cycle loads the pointer once and uses that
// Snapshot to the end, so it never sees a half-applied change. Writers
// (settings API, instruction reload) serialize on a mutex, build a new
// Snapshot and swap it in. Readers never block.
package control

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/engine"
	"github.com/stegollm/stego-gateway/internal/rules"
)

// Settings are the runtime toggles.
type Settings struct {
	CompressionEnabled bool        `json:"compression_enabled"`
	Strategy           engine.Kind `json:"strategy"`
	DeepLearning       bool        `json:"deep_learning_enabled"`
}

// Snapshot is one consistent view of the runtime state. Never mutated.
type Snapshot struct {
	Settings
	RuleSet     *rules.RuleSet
	Transformer *engine.Transformer
	Custom      rules.Instructions // the active custom document, without defaults
	Seq         uint64             // increases on every swap
	CreatedAt   time.Time
}

// Options configures a Controller.
type Options struct {
	Settings    Settings
	UseDefaults bool   // compile DefaultInstructions() before the custom document
	CacheSize   int    // transformer result cache entries
	CustomPath  string // where SaveInstructions writes; empty disables saving
}

// ErrNoInstructionsPath is returned by SaveInstructions when no path is configured.
var ErrNoInstructionsPath = errors.New("custom instructions path is not configured")

// Controller publishes Snapshots.
type Controller struct {
	mu   sync.Mutex // serializes writers
	cur  atomic.Pointer[Snapshot]
	opts Options
}

// New compiles custom (plus defaults when enabled) and publishes the first
// snapshot. An invalid custom document is an error.
func New(opts Options, custom rules.Instructions) (*Controller, error) {
	if opts.Settings.Strategy == "" {
		opts.Settings.Strategy = engine.KindDictionary
	}
	rs, err := Compile(opts.UseDefaults, custom)
	if err != nil {
		return nil, err
	}

	c := &Controller{opts: opts}
	c.publish(opts.Settings, rs, custom)
	return c, nil
}

// Compile builds a RuleSet from the custom document, after the built-in
// defaults when useDefaults is set.
func Compile(useDefaults bool, custom rules.Instructions) (*rules.RuleSet, error) {
	if useDefaults {
		return rules.Compile(rules.DefaultInstructions(), custom)
	}
	return rules.Compile(custom)
}

// Current returns the active snapshot.
func (c *Controller) Current() *Snapshot {
	return c.cur.Load()
}

// Path returns where SaveInstructions writes. Empty when saving is disabled.
func (c *Controller) Path() string {
	return c.opts.CustomPath
}

// SetCompression toggles compression.
func (c *Controller) SetCompression(enabled bool) *Snapshot {
	return c.update(func(s *Settings) { s.CompressionEnabled = enabled })
}

// SetDeepLearning toggles the deep learning layer.
func (c *Controller) SetDeepLearning(enabled bool) *Snapshot {
	return c.update(func(s *Settings) { s.DeepLearning = enabled })
}

// SetStrategy switches the main strategy.
func (c *Controller) SetStrategy(k engine.Kind) *Snapshot {
	return c.update(func(s *Settings) { s.Strategy = k })
}

// ApplyInstructions compiles doc and swaps it in. On error the previous
// snapshot stays active.
func (c *Controller) ApplyInstructions(doc rules.Instructions) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, err := Compile(c.opts.UseDefaults, doc)
	if err != nil {
		return c.cur.Load(), err
	}
	return c.publish(c.cur.Load().Settings, rs, doc), nil
}

// SaveInstructions compiles doc, writes it to the configured path and swaps
// it in. Nothing changes if compilation or the write fails.
func (c *Controller) SaveInstructions(doc rules.Instructions) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, err := Compile(c.opts.UseDefaults, doc)
	if err != nil {
		return c.cur.Load(), err
	}
	if c.opts.CustomPath == "" {
		return c.cur.Load(), ErrNoInstructionsPath
	}
	if err := rules.SaveFile(c.opts.CustomPath, doc); err != nil {
		return c.cur.Load(), fmt.Errorf("failed to save custom instructions: %w", err)
	}
	return c.publish(c.cur.Load().Settings, rs, doc), nil
}

// Reload re-reads the custom instruction file. A missing file means an
// empty document.
func (c *Controller) Reload() (*Snapshot, error) {
	if c.opts.CustomPath == "" {
		return c.Current(), ErrNoInstructionsPath
	}
	doc, _, err := rules.LoadFile(c.opts.CustomPath)
	if err != nil {
		return c.Current(), err
	}
	return c.ApplyInstructions(doc)
}

func (c *Controller) update(fn func(*Settings)) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cur.Load()
	settings := prev.Settings
	fn(&settings)
	return c.publish(settings, prev.RuleSet, prev.Custom)
}

// publish must be called with mu held (or before the controller is shared).
func (c *Controller) publish(settings Settings, rs *rules.RuleSet, custom rules.Instructions) *Snapshot {
	var seq uint64 = 1
	if prev := c.cur.Load(); prev != nil {
		seq = prev.Seq + 1
	}

	snap := &Snapshot{
		Settings: settings,
		RuleSet:  rs,
		Transformer: engine.NewTransformer(rs, engine.Options{
			Strategy:     settings.Strategy,
			DeepLearning: settings.DeepLearning,
			CacheSize:    c.opts.CacheSize,
		}),
		Custom:    custom,
		Seq:       seq,
		CreatedAt: time.Now(),
	}
	c.cur.Store(snap)

	log.Info().
		Uint64("seq", seq).
		Bool("compression_enabled", settings.CompressionEnabled).
		Str("strategy", string(settings.Strategy)).
		Bool("deep_learning", settings.DeepLearning).
		Uint64("rule_set_version", rs.Version()).
		Int("rules", rs.Len()).
		Msg("runtime_snapshot_published")
	return snap
}
