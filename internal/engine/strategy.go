package engine

import (
	"fmt"
	"strings"

	"github.com/stegollm/stego-gateway/internal/rules"
)

// Kind selects a compression strategy.
type Kind string

const (
	KindDictionary   Kind = "dictionary"
	KindHuffman      Kind = "huffman"
	KindBase2048     Kind = "base2048"
	KindDeepLearning Kind = "deep_learning"
)

// Kinds lists the strategies selectable as the main strategy.
func Kinds() []Kind {
	return []Kind{KindDictionary, KindHuffman, KindBase2048}
}

// ParseKind validates a strategy name. The deep learning layer is toggled
// separately and is not accepted here.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown compression strategy %q (want one of dictionary, huffman, base2048)", s)
}

// Strategy is one reversible text transformation.
type Strategy interface {
	Kind() Kind
	Compress(text string, ctx rules.Contexts) Result
	Expand(text string, ctx rules.Contexts) Result
}

// NewStrategy returns the strategy for k bound to rs. Kinds without an
// implementation return a strategy whose results are always Noop.
func NewStrategy(k Kind, rs *rules.RuleSet) Strategy {
	if k == KindDictionary {
		return &DictionaryStrategy{rs: rs}
	}
	return noopStrategy{kind: k}
}

// =============================================================================
// DICTIONARY
// =============================================================================

// DictionaryStrategy applies a compiled RuleSet.
type DictionaryStrategy struct {
	rs *rules.RuleSet
}

var _ Strategy = (*DictionaryStrategy)(nil)

func (s *DictionaryStrategy) Kind() Kind { return KindDictionary }

// RuleSet returns the bound rule set.
func (s *DictionaryStrategy) RuleSet() *rules.RuleSet { return s.rs }

func (s *DictionaryStrategy) Compress(text string, ctx rules.Contexts) Result {
	return Compress(text, s.rs, ctx)
}

func (s *DictionaryStrategy) Expand(text string, ctx rules.Contexts) Result {
	return Expand(text, s.rs, ctx)
}

// =============================================================================
// PLACEHOLDERS
// =============================================================================

// noopStrategy stands in for huffman, base2048 and deep_learning.
type noopStrategy struct {
	kind Kind
}

var _ Strategy = noopStrategy{}

func (s noopStrategy) Kind() Kind { return s.kind }

func (s noopStrategy) Compress(text string, _ rules.Contexts) Result {
	return identity(text, true)
}

func (s noopStrategy) Expand(text string, _ rules.Contexts) Result {
	return identity(text, true)
}
