package engine

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"

	"github.com/stegollm/stego-gateway/internal/rules"
)

// Options configures a Transformer.
type Options struct {
	Strategy     Kind
	DeepLearning bool
	CacheSize    int // 0 disables the result cache
}

// CacheStats tracks result cache counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Transformer composes the optional deep learning layer with the main
// strategy. It is immutable apart from its cache and safe for concurrent use.
type Transformer struct {
	main Strategy
	deep Strategy // nil when disabled

	cache  *lru.Cache[xxh3.Uint128, Result]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewTransformer builds a transformer over rs.
func NewTransformer(rs *rules.RuleSet, opts Options) *Transformer {
	kind := opts.Strategy
	if kind == "" {
		kind = KindDictionary
	}

	t := &Transformer{main: NewStrategy(kind, rs)}
	if opts.DeepLearning {
		t.deep = NewStrategy(KindDeepLearning, rs)
	}
	if opts.CacheSize > 0 {
		t.cache, _ = lru.New[xxh3.Uint128, Result](opts.CacheSize)
	}
	return t
}

// Kind returns the main strategy.
func (t *Transformer) Kind() Kind { return t.main.Kind() }

// DeepLearning reports whether the deep learning layer is active.
func (t *Transformer) DeepLearning() bool { return t.deep != nil }

// Compress runs the deep learning layer, then the main strategy.
func (t *Transformer) Compress(text string, ctx rules.Contexts) Result {
	return t.cached('c', text, ctx, func() Result {
		if t.deep == nil {
			return t.main.Compress(text, ctx)
		}
		first := t.deep.Compress(text, ctx)
		return chain(text, first, t.main.Compress(first.Output, ctx))
	})
}

// Expand undoes Compress: main strategy first, then the deep learning layer.
func (t *Transformer) Expand(text string, ctx rules.Contexts) Result {
	return t.cached('e', text, ctx, func() Result {
		first := t.main.Expand(text, ctx)
		if t.deep == nil {
			return first
		}
		return chain(text, first, t.deep.Expand(first.Output, ctx))
	})
}

// CacheStats returns cache counters. Size is zero when caching is off.
func (t *Transformer) CacheStats() CacheStats {
	s := CacheStats{Hits: t.hits.Load(), Misses: t.misses.Load()}
	if t.cache != nil {
		s.Size = t.cache.Len()
	}
	return s
}

func (t *Transformer) cached(dir byte, text string, ctx rules.Contexts, fn func() Result) Result {
	if t.cache == nil {
		return fn()
	}

	key := xxh3.HashString128(string(dir) + "\x00" + ctx.String() + "\x00" + text)
	if res, ok := t.cache.Get(key); ok {
		t.hits.Add(1)
		return res
	}
	t.misses.Add(1)

	res := fn()
	t.cache.Add(key, res)
	return res
}

// chain merges two consecutive steps into one result over the original text.
func chain(text string, first, second Result) Result {
	out := second
	out.OriginalSize = first.OriginalSize
	out.Noop = first.Noop && second.Noop
	out.Fallback = first.Fallback || second.Fallback
	if len(first.Applied) > 0 {
		out.Applied = append(append([]string(nil), first.Applied...), second.Applied...)
	}
	if out.Noop {
		out.Output = text
	}
	return out
}
