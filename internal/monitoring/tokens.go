// Package monitoring - tokens.go estimates token counts for telemetry.
//
// DESIGN: The tiktoken encoding is loaded lazily on first use. Loading can
// fail (unknown encoding, no network for the BPE file); the estimator then
// falls back to one token per four characters and never retries.
package monitoring

import (
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// DefaultTokenEncoding is used when none is configured.
const DefaultTokenEncoding = "cl100k_base"

// charsPerToken is the fallback ratio.
const charsPerToken = 4

// TokenEstimator counts tokens with tiktoken when available.
type TokenEstimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NoTokenEncoding disables tiktoken; only the fallback is used.
const NoTokenEncoding = "none"

// NewTokenEstimator creates an estimator for the named encoding.
// An empty name selects cl100k_base.
func NewTokenEstimator(encoding string) *TokenEstimator {
	if encoding == "" {
		encoding = DefaultTokenEncoding
	}
	return &TokenEstimator{encoding: encoding}
}

// Count returns the estimated number of tokens in text.
func (e *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(e.load)
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// CountAll sums Count over texts.
func (e *TokenEstimator) CountAll(texts []string) int {
	n := 0
	for _, t := range texts {
		n += e.Count(t)
	}
	return n
}

// Exact reports whether counts come from tiktoken rather than the fallback.
func (e *TokenEstimator) Exact() bool {
	e.once.Do(e.load)
	return e.enc != nil
}

func (e *TokenEstimator) load() {
	if e.encoding == NoTokenEncoding {
		return
	}
	enc, err := tiktoken.GetEncoding(e.encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", e.encoding).Msg("token_estimator_fallback")
		return
	}
	e.enc = enc
}

// EstimateTokens is the character-based fallback, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}
