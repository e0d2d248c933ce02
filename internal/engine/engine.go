// Package engine applies a compiled RuleSet to text in both directions.
//
// DESIGN: Text is held as a sequence of pieces. Every substitution turns
// the matched span into a protected piece, so later steps can neither match
// inside a token nor across one. Literal token occurrences in the input are
// protected up front for the same reason.
//
// Compress runs a guard after the forward pass: the output must be a fixed
// point of Compress and, when the input held no literal tokens, Expand must
// restore the input exactly. Anything else returns the input unchanged with
// Fallback set. Both directions are pure and never block.
//
// FILES:
//   - engine.go:      Compress(), Expand(), Result
//   - buffer.go:      protected-piece substitution
//   - strategy.go:    Kind enum and Strategy implementations
//   - transformer.go: strategy composition and result cache
package engine

import (
	"unicode/utf8"

	"github.com/stegollm/stego-gateway/internal/rules"
)

// Result describes one transformation.
type Result struct {
	Output          string   `json:"output"`
	OriginalSize    int      `json:"original_size"`    // code points
	TransformedSize int      `json:"transformed_size"` // code points
	Applied         []string `json:"applied,omitempty"`

	// Noop is set when nothing could be applied at all (empty rule set or
	// an unimplemented strategy).
	Noop bool `json:"noop,omitempty"`

	// Fallback is set when the guard rejected the forward pass.
	Fallback bool `json:"fallback,omitempty"`
}

// Changed reports whether Output differs from the input.
func (r Result) Changed() bool {
	return len(r.Applied) > 0 && !r.Fallback
}

// Ratio returns TransformedSize/OriginalSize, or 1 for empty input.
func (r Result) Ratio() float64 {
	if r.OriginalSize == 0 {
		return 1
	}
	return float64(r.TransformedSize) / float64(r.OriginalSize)
}

func identity(text string, noop bool) Result {
	n := utf8.RuneCountInString(text)
	return Result{Output: text, OriginalSize: n, TransformedSize: n, Noop: noop}
}

// Compress substitutes rules, then dictionary words, in rs under the active
// contexts. A nil or empty rs yields the identity with Noop set.
func Compress(text string, rs *rules.RuleSet, ctx rules.Contexts) Result {
	if rs.Empty() {
		return identity(text, true)
	}

	out, applied, literal := compressPass(text, rs, ctx)
	if len(applied) == 0 {
		return identity(text, false)
	}

	again, _, _ := compressPass(out, rs, ctx)
	ok := again == out
	if ok && !literal {
		ok = expandPass(out, rs, ctx, nil) == text
	}
	if !ok {
		res := identity(text, false)
		res.Fallback = true
		return res
	}

	return Result{
		Output:          out,
		OriginalSize:    utf8.RuneCountInString(text),
		TransformedSize: utf8.RuneCountInString(out),
		Applied:         applied,
	}
}

// Expand replaces dictionary tokens with their words, then reverse-applies
// rules. Tokens that were literally present in the original prompt are
// indistinguishable from substituted ones and get expanded too.
func Expand(text string, rs *rules.RuleSet, ctx rules.Contexts) Result {
	if rs.Empty() {
		return identity(text, true)
	}

	var applied []string
	out := expandPass(text, rs, ctx, &applied)
	return Result{
		Output:          out,
		OriginalSize:    utf8.RuneCountInString(text),
		TransformedSize: utf8.RuneCountInString(out),
		Applied:         applied,
	}
}

func compressPass(text string, rs *rules.RuleSet, ctx rules.Contexts) (string, []string, bool) {
	b := newBuffer(text)

	literal := false
	for _, group := range [][]rules.Entry{rs.Rules(), rs.Words()} {
		for _, e := range group {
			if e.AppliesIn(ctx) && b.substitute(e.Token, e.Token, false) > 0 {
				literal = true
			}
		}
	}

	var applied []string
	for _, group := range [][]rules.Entry{rs.Rules(), rs.Words()} {
		for _, e := range group {
			if !e.AppliesIn(ctx) {
				continue
			}
			if b.substitute(e.Source, e.Token, true) > 0 {
				applied = append(applied, e.ID)
			}
		}
	}
	return b.String(), applied, literal
}

func expandPass(text string, rs *rules.RuleSet, ctx rules.Contexts, applied *[]string) string {
	b := newBuffer(text)

	for _, e := range rs.Words() {
		if e.AppliesIn(ctx) && b.substitute(e.Token, e.Source, false) > 0 && applied != nil {
			*applied = append(*applied, e.ID)
		}
	}

	ordered := rs.Rules()
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if e.AppliesIn(ctx) && b.substitute(e.Token, e.Source, false) > 0 && applied != nil {
			*applied = append(*applied, e.ID)
		}
	}
	return b.String()
}
