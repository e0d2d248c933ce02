package rules

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Defaults(t *testing.T) {
	rs, err := Compile(DefaultInstructions())
	require.NoError(t, err)

	assert.Equal(t, 49, rs.Len())
	assert.Len(t, rs.Rules(), 7)

	var patterns []string
	for _, r := range rs.Rules() {
		patterns = append(patterns, r.Source)
	}
	assert.Equal(t, []string{
		"Implement a function",
		"Write a function",
		"Create a class",
		"Explain how",
		"Design a",
		"How do I",
		"What is",
	}, patterns)

	e, ok := rs.Lookup("fn")
	require.True(t, ok)
	assert.Equal(t, "function", e.Source)
	assert.Equal(t, "dict:concepts:function", e.ID)

	e, ok = rs.Lookup("GO")
	require.True(t, ok)
	assert.Equal(t, ContextProgramming, e.Context)
}

func TestCompile_VersionsIncrease(t *testing.T) {
	a, err := Compile()
	require.NoError(t, err)
	b, err := Compile()
	require.NoError(t, err)

	assert.True(t, a.Empty())
	assert.Greater(t, b.Version(), a.Version())
}

func TestCompile_NilRuleSetIsEmpty(t *testing.T) {
	var rs *RuleSet
	assert.True(t, rs.Empty())
	assert.Nil(t, rs.Rules())
	_, ok := rs.Lookup("fn")
	assert.False(t, ok)
}

func TestCompile_RejectsReplacementMatchingPattern(t *testing.T) {
	_, err := Compile(Instructions{Rules: []Rule{
		{Pattern: "foo", Replacement: "bar"},
		{Pattern: "bar", Replacement: "baz"},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRuleSet))

	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantAcyclic, inv.Invariant)
	assert.Contains(t, inv.Reason, `"bar"`)
}

func TestCompile_RejectsPatternInsideToken(t *testing.T) {
	_, err := Compile(Instructions{
		Rules: []Rule{{Pattern: "please", Replacement: "pls x"}},
		Dictionaries: []Dictionary{{
			Name:    "d",
			Entries: map[string]string{"x": "ex"},
		}},
	})
	require.Error(t, err)

	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantAcyclic, inv.Invariant)
}

func TestCompile_RejectsNonInjectiveDictionary(t *testing.T) {
	_, err := Compile(Instructions{Dictionaries: []Dictionary{{
		Name:    "broken",
		Entries: map[string]string{"function": "fn", "functor": "fn"},
	}}})
	require.Error(t, err)

	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantInjective, inv.Invariant)
}

func TestCompile_LaterDictionaryOverridesWord(t *testing.T) {
	rs, err := Compile(
		Instructions{Dictionaries: []Dictionary{{Name: "a", Entries: map[string]string{"function": "fn"}}}},
		Instructions{Dictionaries: []Dictionary{{Name: "b", Entries: map[string]string{"function": "func", "fun": "fn"}}}},
	)
	require.NoError(t, err)

	e, ok := rs.Lookup("func")
	require.True(t, ok)
	assert.Equal(t, "function", e.Source)
	assert.Equal(t, "b", e.Origin)

	// The overridden token was released and reused for another word.
	e, ok = rs.Lookup("fn")
	require.True(t, ok)
	assert.Equal(t, "fun", e.Source)
}

func TestCompile_RejectsTokenReuse(t *testing.T) {
	_, err := Compile(Instructions{Dictionaries: []Dictionary{
		{Name: "a", Entries: map[string]string{"function": "fn"}},
		{Name: "b", Entries: map[string]string{"fancy": "fn"}},
	}})
	require.Error(t, err)

	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantTokenUnique, inv.Invariant)
}

func TestCompile_RejectsTokenInsideToken(t *testing.T) {
	_, err := Compile(Instructions{Dictionaries: []Dictionary{{
		Name:    "d",
		Entries: map[string]string{"database": "db", "double buffer": "db x"},
	}}})
	require.Error(t, err)

	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantTokenOverlap, inv.Invariant)
}

func TestCompile_RejectsEmptyAndIdentity(t *testing.T) {
	_, err := Compile(Instructions{Rules: []Rule{{Pattern: "x", Replacement: ""}}})
	require.ErrorIs(t, err, ErrInvalidRuleSet)

	_, err = Compile(Instructions{Rules: []Rule{{Pattern: "same", Replacement: "same"}}})
	var inv *InvalidRuleSetError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, InvariantNotIdentity, inv.Invariant)
}

func TestCompile_DisjointContextsAreNotCompared(t *testing.T) {
	rs, err := Compile(Instructions{Rules: []Rule{
		{Pattern: "select", Replacement: "S", Context: "sql"},
		{Pattern: "S", Replacement: "sum", Context: "math"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
}

func TestCompile_LaterRuleOverridesPattern(t *testing.T) {
	rs, err := Compile(
		DefaultInstructions(),
		Instructions{Rules: []Rule{{Pattern: "Write a function", Replacement: "WFN:"}}},
	)
	require.NoError(t, err)

	_, ok := rs.Lookup("WF:")
	assert.False(t, ok)
	e, ok := rs.Lookup("WFN:")
	require.True(t, ok)
	assert.Equal(t, KindRule, e.Kind)
}

func TestContexts_Normalize(t *testing.T) {
	c := NewContexts("Programming", " ", "programming", "sql")
	assert.Equal(t, "programming,sql", c.String())
	assert.True(t, c.Has(""))
	assert.True(t, c.Has("PROGRAMMING"))
	assert.False(t, c.Has("math"))
	assert.Equal(t, "math,programming,sql", c.With("math").String())
	assert.Equal(t, "programming,sql", c.String(), "With must not mutate the receiver")
}

func TestIndexBoundary(t *testing.T) {
	assert.Equal(t, -1, IndexBoundary("a subclass here", "class", 0))
	assert.Equal(t, 2, IndexBoundary("a class here", "class", 0))
	assert.Equal(t, -1, IndexBoundary("xWF:", "WF:", 0))
	assert.Equal(t, 2, IndexBoundary("a WF:b", "WF:", 0), "right edge is not a word rune")
	assert.Equal(t, 6, IndexBoundary("C++x, C++", "C++", 1))
	assert.Equal(t, 4, IndexBoundary("él función", "función", 0))
	assert.Equal(t, -1, IndexBoundary("anything", "", 0))
}

func TestFile_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "custom_instructions.json")

	in, found, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, in.IsEmpty())

	doc := Instructions{
		Rules: []Rule{{Pattern: "Refactor this", Replacement: "RF:", Context: ContextProgramming}},
		Dictionaries: []Dictionary{{
			Name:    "team",
			Entries: map[string]string{"kubernetes": "k8s"},
		}},
	}
	require.NoError(t, SaveFile(path, doc))

	got, found, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc, got)
}

func TestParseInstructions_Invalid(t *testing.T) {
	_, err := ParseInstructions([]byte(`{"rules": "nope"}`))
	require.Error(t, err)

	in, err := ParseInstructions([]byte("  "))
	require.NoError(t, err)
	assert.True(t, in.IsEmpty())
}
