package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unicode/utf8"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidRuleSet matches every compile failure via errors.Is.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// Invariant names the property a rejected document violated.
type Invariant string

const (
	InvariantNonEmpty     Invariant = "non_empty"     // pattern, word and token must be set
	InvariantNotIdentity  Invariant = "not_identity"  // a token must differ from its source
	InvariantInjective    Invariant = "injective"     // one dictionary maps distinct words to distinct tokens
	InvariantTokenUnique  Invariant = "token_unique"  // a token replaces exactly one source
	InvariantAcyclic      Invariant = "acyclic"       // no pattern matches inside any token
	InvariantTokenOverlap Invariant = "token_overlap" // no token matches inside another token
)

// InvalidRuleSetError describes why a document was rejected.
type InvalidRuleSetError struct {
	Invariant Invariant
	Reason    string
}

func (e *InvalidRuleSetError) Error() string {
	return fmt.Sprintf("invalid rule set (%s): %s", e.Invariant, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidRuleSet) true.
func (e *InvalidRuleSetError) Is(target error) bool {
	return target == ErrInvalidRuleSet
}

func invalid(inv Invariant, format string, args ...any) error {
	return &InvalidRuleSetError{Invariant: inv, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// COMPILED TYPES
// =============================================================================

// EntryKind distinguishes phrase rules from dictionary words.
type EntryKind int

const (
	KindRule EntryKind = iota
	KindWord
)

func (k EntryKind) String() string {
	if k == KindRule {
		return "rule"
	}
	return "word"
}

// Entry is one compiled substitution.
type Entry struct {
	ID      string // stable id reported in Result.Applied
	Kind    EntryKind
	Source  string // pattern or dictionary word
	Token   string
	Context string
	Origin  string // dictionary name, or "rules"
	order   int    // declaration order across all documents
}

// AppliesIn reports whether the entry fires under the given contexts.
func (e Entry) AppliesIn(c Contexts) bool {
	return c.Has(e.Context)
}

func (e Entry) describe() string {
	if e.Kind == KindRule {
		return fmt.Sprintf("rule %q", e.Source)
	}
	return fmt.Sprintf("word %q in dictionary %q", e.Source, e.Origin)
}

// RuleSet is the immutable compiled form of one or more instruction
// documents. The zero value and nil both behave as the empty set.
type RuleSet struct {
	version uint64
	rules   []Entry          // longest pattern first, then declaration order
	words   []Entry          // longest word first, then declaration order
	reverse map[string]Entry // token -> entry
}

var versionSeq atomic.Uint64

// Version identifies this compilation. Later compilations have larger versions.
func (rs *RuleSet) Version() uint64 {
	if rs == nil {
		return 0
	}
	return rs.version
}

// Len returns the number of compiled entries.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules) + len(rs.words)
}

// Empty reports whether the set substitutes nothing.
func (rs *RuleSet) Empty() bool {
	return rs.Len() == 0
}

// Rules returns phrase rules in application order. Callers must not modify it.
func (rs *RuleSet) Rules() []Entry {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Words returns dictionary entries in application order. Callers must not modify it.
func (rs *RuleSet) Words() []Entry {
	if rs == nil {
		return nil
	}
	return rs.words
}

// Lookup returns the entry that produces token.
func (rs *RuleSet) Lookup(token string) (Entry, bool) {
	if rs == nil {
		return Entry{}, false
	}
	e, ok := rs.reverse[token]
	return e, ok
}

// =============================================================================
// COMPILE
// =============================================================================

// Compile validates and merges documents in order. Later documents override
// earlier ones for the same pattern or dictionary word; the overridden token
// is released. Any violated invariant rejects the whole compilation.
func Compile(docs ...Instructions) (*RuleSet, error) {
	var entries []Entry
	bySource := make(map[string]int) // kind+source -> index in entries
	removed := make(map[int]bool)
	order, dictIndex := 0, 0

	add := func(e Entry) {
		key := e.Kind.String() + "\x00" + e.Source
		if prev, ok := bySource[key]; ok {
			removed[prev] = true
		}
		e.order = order
		order++
		bySource[key] = len(entries)
		entries = append(entries, e)
	}

	for _, doc := range docs {
		for i, r := range doc.Rules {
			if r.Pattern == "" || r.Replacement == "" {
				return nil, invalid(InvariantNonEmpty, "rule %d has an empty pattern or replacement", i)
			}
			if r.Pattern == r.Replacement {
				return nil, invalid(InvariantNotIdentity, "rule %q replaces itself", r.Pattern)
			}
			add(Entry{
				ID:      "rule:" + r.Pattern,
				Kind:    KindRule,
				Source:  r.Pattern,
				Token:   r.Replacement,
				Context: r.Context,
				Origin:  "rules",
			})
		}

		for _, d := range doc.Dictionaries {
			name := d.Name
			if name == "" {
				name = fmt.Sprintf("dictionary_%d", dictIndex)
			}
			dictIndex++

			words := make([]string, 0, len(d.Entries))
			for w := range d.Entries {
				words = append(words, w)
			}
			sort.Strings(words)

			tokens := make(map[string]string, len(words))
			for _, w := range words {
				tok := d.Entries[w]
				if w == "" || tok == "" {
					return nil, invalid(InvariantNonEmpty, "dictionary %q has an empty word or token", name)
				}
				if w == tok {
					return nil, invalid(InvariantNotIdentity, "dictionary %q maps %q to itself", name, w)
				}
				if other, dup := tokens[tok]; dup {
					return nil, invalid(InvariantInjective, "dictionary %q maps both %q and %q to %q", name, other, w, tok)
				}
				tokens[tok] = w
				add(Entry{
					ID:      "dict:" + name + ":" + w,
					Kind:    KindWord,
					Source:  w,
					Token:   tok,
					Context: d.Context,
					Origin:  name,
				})
			}
		}
	}

	live := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if !removed[i] {
			live = append(live, e)
		}
	}

	reverse := make(map[string]Entry, len(live))
	for _, e := range live {
		if prev, dup := reverse[e.Token]; dup {
			return nil, invalid(InvariantTokenUnique, "token %q replaces both %s and %s", e.Token, prev.describe(), e.describe())
		}
		reverse[e.Token] = e
	}

	if err := checkGraph(live); err != nil {
		return nil, err
	}

	rs := &RuleSet{
		version: versionSeq.Add(1),
		reverse: reverse,
	}
	for _, e := range live {
		if e.Kind == KindRule {
			rs.rules = append(rs.rules, e)
		} else {
			rs.words = append(rs.words, e)
		}
	}
	sortLongestFirst(rs.rules)
	sortLongestFirst(rs.words)

	return rs, nil
}

// checkGraph rejects sets where a substitution could feed another one:
// a pattern that matches inside any token, or a token inside another token.
// Only entries whose contexts can be active together are compared.
func checkGraph(entries []Entry) error {
	for _, a := range entries {
		for _, b := range entries {
			if !compatible(a.Context, b.Context) {
				continue
			}
			if ContainsBoundary(a.Token, b.Source) {
				return invalid(InvariantAcyclic, "replacement %q of %s is matched by %s", a.Token, a.describe(), b.describe())
			}
			if a.Token != b.Token && ContainsBoundary(b.Token, a.Token) {
				return invalid(InvariantTokenOverlap, "token %q of %s occurs inside token %q of %s", a.Token, a.describe(), b.Token, b.describe())
			}
		}
	}
	return nil
}

func sortLongestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(entries[i].Source), utf8.RuneCountInString(entries[j].Source)
		if li != lj {
			return li > lj
		}
		return entries[i].order < entries[j].order
	})
}
