package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/stegollm/stego-gateway/internal/rules"
)

// piece is a run of text. Protected pieces were produced (or claimed) by an
// earlier step and are never matched again, neither inside nor across.
type piece struct {
	text      string
	protected bool
}

type buffer struct {
	pieces []piece
}

func newBuffer(text string) *buffer {
	return &buffer{pieces: []piece{{text: text}}}
}

func (b *buffer) String() string {
	if len(b.pieces) == 1 {
		return b.pieces[0].text
	}
	var sb strings.Builder
	for _, p := range b.pieces {
		sb.WriteString(p.text)
	}
	return sb.String()
}

// substitute replaces every word-bounded occurrence of needle in unprotected
// text with repl and protects the result. Neighbour runes are read from the
// current output, so a match next to an already substituted token sees the
// token, not the text it replaced. With checkRepl set, a match is skipped when
// repl itself would not sit on word boundaries in that position.
func (b *buffer) substitute(needle, repl string, checkRepl bool) int {
	if needle == "" {
		return 0
	}

	count := 0
	out := make([]piece, 0, len(b.pieces)+2)
	for i, p := range b.pieces {
		if p.protected || !strings.Contains(p.text, needle) {
			out = append(out, p)
			continue
		}

		s := p.text
		start, pos := 0, 0
		for pos <= len(s)-len(needle) {
			j := strings.Index(s[pos:], needle)
			if j < 0 {
				break
			}
			j += pos
			end := j + len(needle)

			before := rules.RuneBefore(s, j)
			if j == start {
				before = lastRune(out)
			}
			after := rules.RuneAfter(s, end)
			if end == len(s) {
				after = firstRune(b.pieces, i+1)
			}

			if rules.BoundaryOK(needle, before, after) && (!checkRepl || rules.BoundaryOK(repl, before, after)) {
				if j > start {
					out = append(out, piece{text: s[start:j]})
				}
				out = append(out, piece{text: repl, protected: true})
				count++
				start, pos = end, end
				continue
			}
			_, size := utf8.DecodeRuneInString(s[j:])
			pos = j + size
		}
		if start < len(s) {
			out = append(out, piece{text: s[start:]})
		}
	}
	b.pieces = out
	return count
}

func lastRune(pieces []piece) rune {
	for i := len(pieces) - 1; i >= 0; i-- {
		if pieces[i].text != "" {
			r, _ := utf8.DecodeLastRuneInString(pieces[i].text)
			return r
		}
	}
	return utf8.RuneError
}

func firstRune(pieces []piece, from int) rune {
	for i := from; i < len(pieces); i++ {
		if pieces[i].text != "" {
			r, _ := utf8.DecodeRuneInString(pieces[i].text)
			return r
		}
	}
	return utf8.RuneError
}
