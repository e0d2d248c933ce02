// Package stego rewrites prompt text on the way out and restores completion
// text on the way back.
//
// DESIGN: The pipe is provider-agnostic. It asks the cycle's adapter for the
// prompt spans, runs every span through the snapshot's Transformer with the
// cycle's context tags, and reinjects the results. Any adapter failure,
// a prompt below the threshold, or a transformation that changes nothing
// sends the cycle down the Passthrough exit with the original body.
//
// Responses are expanded only for cycles that were compressed.
//
// FILES:
//   - stego.go:    Pipe (request and response side)
//   - contexts.go: context tag detection
package stego

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/adapters"
	"github.com/stegollm/stego-gateway/internal/engine"
	"github.com/stegollm/stego-gateway/internal/pipes"
	"github.com/stegollm/stego-gateway/internal/rules"
)

// Pipe is the stego compression pipe.
type Pipe struct {
	cfg pipes.Config
}

var _ pipes.Pipe = (*Pipe)(nil)

// New creates a stego pipe.
func New(cfg pipes.Config) *Pipe {
	return &Pipe{cfg: cfg}
}

// Name returns the pipe name.
func (p *Pipe) Name() string { return "stego" }

// Strategy returns the configured strategy.
func (p *Pipe) Strategy() string { return p.cfg.Strategy }

// Enabled reports the configured toggle. The runtime toggle lives in the
// cycle snapshot.
func (p *Pipe) Enabled() bool { return p.cfg.Enabled }

// Process compresses the request prompt. The cycle must be in Detected.
// Bodies no adapter matched or could handle are returned unchanged with an
// error wrapping adapters.ErrUnadaptable.
func (p *Pipe) Process(ctx *pipes.PipeContext) ([]byte, error) {
	body := ctx.OriginalRequest
	if ctx.Adapter == nil {
		_ = ctx.Passthrough(pipes.ReasonUnknownProvider)
		return body, fmt.Errorf("%w: no provider schema matched", adapters.ErrUnadaptable)
	}

	spans, err := ctx.Adapter.ExtractPrompt(body, p.cfg.Roles)
	if err != nil {
		_ = ctx.Passthrough(pipes.ReasonUnadaptable)
		return body, err
	}
	ctx.SetExtracted(spans)

	if !ctx.CompressionThreshold.Allows(adapters.TotalRunes(spans)) {
		_ = ctx.Passthrough(pipes.ReasonBelowThreshold)
		return body, nil
	}

	ctx.Contexts = DetectContexts(adapters.Texts(spans), p.cfg.Contexts, ctx.ContextHeader, p.cfg.DetectContexts)

	tr := ctx.Snapshot.Transformer
	var (
		out      = make([]adapters.Span, 0, len(spans))
		applied  []string
		changed  bool
		fallback bool
	)
	for _, span := range spans {
		res := tr.Compress(span.Text, ctx.Contexts)
		if res.Fallback {
			fallback = true
		}
		if res.Changed() {
			changed = true
			applied = append(applied, res.Applied...)
		}
		out = append(out, adapters.Span{Path: span.Path, Text: res.Output, Role: span.Role})
	}

	if !changed {
		reason := pipes.ReasonNoop
		if fallback {
			reason = pipes.ReasonFallback
		}
		_ = ctx.Passthrough(reason)
		return body, nil
	}

	rewritten, err := ctx.Adapter.Reinject(body, out)
	if err != nil {
		_ = ctx.Passthrough(pipes.ReasonUnadaptable)
		return body, err
	}
	if err := ctx.MarkCompressed(out, applied, fallback); err != nil {
		return body, fmt.Errorf("failed to mark cycle compressed: %w", err)
	}
	return rewritten, nil
}

// ProcessResponse expands completion text. The cycle must be in
// ResponseReceived and compressed; otherwise the body is returned as is.
func (p *Pipe) ProcessResponse(ctx *pipes.PipeContext, body []byte) ([]byte, error) {
	if !p.cfg.ExpandResponses || !ctx.Compressed() || ctx.Adapter == nil {
		return body, nil
	}

	spans, err := ctx.Adapter.ExtractCompletion(body)
	if err != nil {
		if errors.Is(err, adapters.ErrUnadaptable) {
			log.Debug().Str("request_id", ctx.RequestID).Err(err).Msg("response_not_expandable")
			return body, nil
		}
		return body, err
	}

	tr := ctx.Snapshot.Transformer
	out := make([]adapters.Span, 0, len(spans))
	changed := 0
	for _, span := range spans {
		res := tr.Expand(span.Text, ctx.Contexts)
		if res.Changed() {
			changed++
		}
		out = append(out, adapters.Span{Path: span.Path, Text: res.Output, Role: span.Role})
	}
	if changed == 0 {
		return body, nil
	}

	rewritten, err := ctx.Adapter.ReinjectCompletion(body, out)
	if err != nil {
		return body, err
	}
	if err := ctx.MarkExpanded(changed); err != nil {
		return body, err
	}
	return rewritten, nil
}

// PreviewResult is one offline compression and its round trip.
type PreviewResult struct {
	engine.Result
	Contexts  rules.Contexts
	RoundTrip bool
}

// Preview compresses prompt the way a cycle would, with tags as the
// configured contexts and code detection when detect is set, then expands
// the output again. It has no side effects beyond the transformer cache.
func Preview(tr *engine.Transformer, prompt string, tags []string, detect bool) PreviewResult {
	contexts := DetectContexts([]string{prompt}, tags, "", detect)
	res := tr.Compress(prompt, contexts)
	back := tr.Expand(res.Output, contexts)
	return PreviewResult{Result: res, Contexts: contexts, RoundTrip: back.Output == prompt}
}
