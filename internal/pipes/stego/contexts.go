package stego

import (
	"regexp"
	"strings"

	"github.com/stegollm/stego-gateway/internal/rules"
)

// HeaderContext names the request header carrying extra context tags,
// comma separated.
const HeaderContext = "X-Stego-Context"

// codeKeywords matches identifiers that rarely appear in prose but are
// common in source code.
var codeKeywords = regexp.MustCompile(
	`\b(func|def|fn|impl|struct|typedef|namespace|lambda|println|printf|console\.log)\b|\b(const|let|var)\s+\w+\s*=|#include|=>|::|\(\)\s*\{|;\s*$`)

// minKeywordHits is how many keyword matches mark a prompt as code when it
// has no code fence.
const minKeywordHits = 2

// LooksLikeCode reports whether text contains a code fence or enough
// programming keywords.
func LooksLikeCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	hits := 0
	for _, line := range strings.Split(text, "\n") {
		hits += len(codeKeywords.FindAllStringIndex(line, minKeywordHits))
		if hits >= minKeywordHits {
			return true
		}
	}
	return false
}

// DetectContexts returns the context tags for one cycle: the configured
// tags, the tags named in the header, and "programming" when detection is on
// and any text looks like code.
func DetectContexts(texts []string, configured []string, header string, detect bool) rules.Contexts {
	ctx := rules.NewContexts(configured...)
	if header != "" {
		ctx = ctx.With(strings.Split(header, ",")...)
	}
	if detect && !ctx.Has(rules.ContextProgramming) {
		for _, t := range texts {
			if LooksLikeCode(t) {
				ctx = ctx.With(rules.ContextProgramming)
				break
			}
		}
	}
	return ctx
}
