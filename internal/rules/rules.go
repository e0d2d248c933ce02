// Package rules defines the substitution model and compiles it into an
// immutable RuleSet.
//
// DESIGN: Two kinds of substitutions feed one compiled set:
//   - Rule:       phrase pattern → token, optionally scoped to a context tag
//   - Dictionary: whole word → token table, entries injective per table
//
// Compile() validates every invariant that round-trip fidelity depends on
// and returns an InvalidRuleSetError naming the failed invariant. A compiled
// RuleSet is never mutated; callers build a new one and swap it.
//
// FILES:
//   - rules.go:    input types (Rule, Dictionary, Instructions, Contexts)
//   - compile.go:  Compile(), RuleSet, Entry, errors
//   - text.go:     word-boundary matching shared with the engine
//   - defaults.go: built-in phrase rules and dictionaries
//   - file.go:     custom instruction JSON load/save
package rules

import (
	"sort"
	"strings"
)

// Rule substitutes a literal phrase with a short token.
type Rule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Context     string `json:"context,omitempty"`
}

// Dictionary maps whole words to tokens.
type Dictionary struct {
	Name    string            `json:"name"`
	Entries map[string]string `json:"entries"`
	Context string            `json:"context,omitempty"` // empty = applies everywhere
}

// Instructions is the custom instruction document.
type Instructions struct {
	Rules        []Rule       `json:"rules"`
	Dictionaries []Dictionary `json:"dictionaries"`
}

// IsEmpty reports whether the document declares nothing.
func (in Instructions) IsEmpty() bool {
	if len(in.Rules) > 0 {
		return false
	}
	for _, d := range in.Dictionaries {
		if len(d.Entries) > 0 {
			return false
		}
	}
	return true
}

// =============================================================================
// CONTEXTS
// =============================================================================

// Contexts is the set of context tags active for one transformation.
// The zero value is the empty set; only untagged entries apply then.
type Contexts struct {
	tags []string // sorted, deduplicated
}

// NewContexts builds a context set, ignoring blank tags.
func NewContexts(tags ...string) Contexts {
	return Contexts{}.With(tags...)
}

// With returns a new set containing the receiver's tags plus tags.
func (c Contexts) With(tags ...string) Contexts {
	seen := make(map[string]bool, len(c.tags)+len(tags))
	out := make([]string, 0, len(c.tags)+len(tags))
	for _, t := range append(append([]string{}, c.tags...), tags...) {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return Contexts{tags: out}
}

// Has reports whether tag is active. The empty tag is always active.
func (c Contexts) Has(tag string) bool {
	if tag == "" {
		return true
	}
	tag = strings.ToLower(tag)
	i := sort.SearchStrings(c.tags, tag)
	return i < len(c.tags) && c.tags[i] == tag
}

// Tags returns a copy of the active tags.
func (c Contexts) Tags() []string {
	return append([]string(nil), c.tags...)
}

// String returns a stable key, e.g. "programming,sql".
func (c Contexts) String() string {
	return strings.Join(c.tags, ",")
}

// compatible reports whether two context tags can be active together in a
// way that lets both entries fire on the same text.
func compatible(a, b string) bool {
	return a == "" || b == "" || strings.EqualFold(a, b)
}
