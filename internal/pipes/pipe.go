// Package pipes defines the per-cycle state machine and the Pipe interface.
//
// DESIGN: A PipeContext is one request/response cycle. It moves through
//
//	Received → Detected → Compressed → Forwarded → ResponseReceived → Expanded → Returned
//
// with Passthrough as a side exit from any non-terminal state. The context
// enforces that a cycle compresses at most once, expands at most once, and
// commits its sizes to the metrics at most once.
//
// FLOW:
//  1. Gateway builds a PipeContext with the adapter and a runtime snapshot
//  2. Pipe calls adapter.Extract*() to get prompt spans
//  3. Pipe transforms spans - no provider-specific logic
//  4. Pipe calls adapter.Reinject*() to patch results back
//  5. Gateway commits sizes once the cycle is Returned or Passthrough
//
// NOTE: Pipe configuration types are defined in config.go in this package.
package pipes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stegollm/stego-gateway/internal/adapters"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/rules"
)

// =============================================================================
// STATES
// =============================================================================

// State is the position of a cycle in the pipeline.
type State string

const (
	StateReceived         State = "received"
	StateDetected         State = "detected"
	StateCompressed       State = "compressed"
	StateForwarded        State = "forwarded"
	StateResponseReceived State = "response_received"
	StateExpanded         State = "expanded"
	StateReturned         State = "returned"
	StatePassthrough      State = "passthrough"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReturned || s == StatePassthrough
}

// transitions lists the forward edges. Passthrough is reachable from every
// non-terminal state and is not listed.
var transitions = map[State][]State{
	StateReceived:         {StateDetected},
	StateDetected:         {StateCompressed},
	StateCompressed:       {StateForwarded},
	StateForwarded:        {StateResponseReceived},
	StateResponseReceived: {StateExpanded, StateReturned},
	StateExpanded:         {StateReturned},
}

// PassthroughReason says why a cycle was forwarded unchanged.
type PassthroughReason string

const (
	ReasonDisabled        PassthroughReason = "compression_disabled"
	ReasonThresholdOff    PassthroughReason = "threshold_off"
	ReasonBelowThreshold  PassthroughReason = "below_threshold"
	ReasonUnknownProvider PassthroughReason = "unknown_provider"
	ReasonUnadaptable     PassthroughReason = "unadaptable"
	ReasonNoop            PassthroughReason = "noop"
	ReasonFallback        PassthroughReason = "guard_fallback"
	ReasonTunnel          PassthroughReason = "connect_tunnel"
	ReasonNotJSON         PassthroughReason = "not_json"
)

// Errors returned by PipeContext.
var (
	ErrInvalidTransition = errors.New("invalid cycle transition")
	ErrAlreadyCompressed = errors.New("cycle already compressed")
	ErrAlreadyExpanded   = errors.New("cycle already expanded")
)

// Recorder receives committed cycle sizes.
type Recorder interface {
	Record(originalSize, compressedSize int)
}

// =============================================================================
// PIPE CONTEXT
// =============================================================================

// PipeContext carries one cycle through pipe processing.
type PipeContext struct {
	RequestID string

	// Adapter for provider-agnostic extraction/reinjection; nil when the
	// provider is unknown.
	Adapter adapters.Adapter

	// Snapshot is taken once at the start of the cycle.
	Snapshot *control.Snapshot

	// Original request body
	OriginalRequest []byte

	// Compression threshold (from user header)
	CompressionThreshold CompressionThreshold

	// ContextHeader is the raw X-Stego-Context value.
	ContextHeader string

	// Results set by pipes
	Contexts        rules.Contexts
	OriginalSpans   []adapters.Span
	CompressedSpans []adapters.Span
	Applied         []string
	Fallback        bool
	ExpandedSpans   int

	mu         sync.Mutex
	state      State
	reason     PassthroughReason
	history    []State
	extracted  bool
	origSize   int
	compSize   int
	compressed bool
	expanded   bool
	abandoned  bool
	committed  bool
}

// NewPipeContext creates a cycle in state Received.
func NewPipeContext(adapter adapters.Adapter, snap *control.Snapshot, body []byte) *PipeContext {
	return &PipeContext{
		Adapter:         adapter,
		Snapshot:        snap,
		OriginalRequest: body,
		state:           StateReceived,
		history:         []State{StateReceived},
	}
}

// State returns the current state.
func (c *PipeContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state visited, in order.
func (c *PipeContext) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// Reason returns the passthrough reason, empty unless in Passthrough.
func (c *PipeContext) Reason() PassthroughReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Transition moves to the next state.
func (c *PipeContext) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to == StatePassthrough {
		return fmt.Errorf("%w: use Passthrough", ErrInvalidTransition)
	}
	for _, next := range transitions[c.state] {
		if next == to {
			c.state = to
			c.history = append(c.history, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
}

// Passthrough takes the side exit. It fails once the cycle is terminal.
func (c *PipeContext) Passthrough(reason PassthroughReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, StatePassthrough)
	}
	c.state = StatePassthrough
	c.reason = reason
	c.history = append(c.history, StatePassthrough)
	return nil
}

// SetExtracted records the prompt spans and their total size in characters.
func (c *PipeContext) SetExtracted(spans []adapters.Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OriginalSpans = spans
	c.extracted = true
	c.origSize = adapters.TotalRunes(spans)
	c.compSize = c.origSize
}

// Extracted reports whether a prompt was extracted.
func (c *PipeContext) Extracted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extracted
}

// MarkCompressed records the rewritten spans and moves to Compressed.
// A second call fails with ErrAlreadyCompressed.
func (c *PipeContext) MarkCompressed(spans []adapters.Span, applied []string, fallback bool) error {
	c.mu.Lock()
	if c.compressed {
		c.mu.Unlock()
		return ErrAlreadyCompressed
	}
	if c.state != StateDetected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateCompressed)
	}
	c.compressed = true
	c.CompressedSpans = spans
	c.Applied = applied
	c.Fallback = fallback
	c.compSize = adapters.TotalRunes(spans)
	c.mu.Unlock()

	return c.Transition(StateCompressed)
}

// Compressed reports whether the request body was rewritten.
func (c *PipeContext) Compressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressed
}

// MarkExpanded moves to Expanded. A second call fails with ErrAlreadyExpanded.
func (c *PipeContext) MarkExpanded(spans int) error {
	c.mu.Lock()
	if c.expanded {
		c.mu.Unlock()
		return ErrAlreadyExpanded
	}
	if c.state != StateResponseReceived {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateExpanded)
	}
	c.expanded = true
	c.ExpandedSpans = spans
	c.mu.Unlock()

	return c.Transition(StateExpanded)
}

// Expanded reports whether the response body was rewritten.
func (c *PipeContext) Expanded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expanded
}

// Abandon marks the cycle as abandoned by the client. It will never commit.
func (c *PipeContext) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandoned = true
}

// Abandoned reports whether Abandon was called.
func (c *PipeContext) Abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

// Sizes returns the extracted prompt size before and after compression.
// They are equal unless the request was compressed.
func (c *PipeContext) Sizes() (original, compressed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origSize, c.compSize
}

// Commit records the sizes once the cycle is terminal. It returns false
// without recording when the cycle is not terminal, was abandoned, had
// nothing extracted, or was already committed.
func (c *PipeContext) Commit(r Recorder) bool {
	c.mu.Lock()
	if !c.state.Terminal() || c.abandoned || !c.extracted || c.committed {
		c.mu.Unlock()
		return false
	}
	c.committed = true
	orig, comp := c.origSize, c.compSize
	c.mu.Unlock()

	r.Record(orig, comp)
	return true
}

// =============================================================================
// PIPE INTERFACE
// =============================================================================

// Pipe defines the interface for a processing pipe.
// Pipes must NOT contain provider-specific logic - they use adapters for that.
type Pipe interface {
	// Name returns the pipe identifier.
	Name() string

	// Strategy returns the transformation strategy in use.
	Strategy() string

	// Enabled returns whether this pipe is active.
	Enabled() bool

	// Process rewrites the request body. It returns the body to forward,
	// which is the original when the cycle took the Passthrough exit.
	Process(ctx *PipeContext) ([]byte, error)

	// ProcessResponse rewrites a response body. It returns the body to send
	// to the client, which is the input on any failure.
	ProcessResponse(ctx *PipeContext, body []byte) ([]byte, error)
}
