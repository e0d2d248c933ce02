package rules

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// IsWordRune reports whether r counts as part of a word for boundary checks.
func IsWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// EdgesAreWords reports whether needle starts and ends with word runes.
// A boundary is only required at a word edge, so "WF:" needs one on the
// left and none on the right.
func EdgesAreWords(needle string) (first, last bool) {
	if needle == "" {
		return false, false
	}
	r, _ := utf8.DecodeRuneInString(needle)
	l, _ := utf8.DecodeLastRuneInString(needle)
	return IsWordRune(r), IsWordRune(l)
}

// BoundaryOK reports whether needle placed between the runes before and
// after respects word boundaries. Use utf8.RuneError for "no neighbour".
func BoundaryOK(needle string, before, after rune) bool {
	first, last := EdgesAreWords(needle)
	if first && before != utf8.RuneError && IsWordRune(before) {
		return false
	}
	if last && after != utf8.RuneError && IsWordRune(after) {
		return false
	}
	return true
}

// IndexBoundary returns the byte offset of the first occurrence of needle
// in s at or after from that sits on word boundaries, or -1.
func IndexBoundary(s, needle string, from int) int {
	if needle == "" {
		return -1
	}
	for from <= len(s)-len(needle) {
		i := strings.Index(s[from:], needle)
		if i < 0 {
			return -1
		}
		i += from
		if BoundaryOK(needle, RuneBefore(s, i), RuneAfter(s, i+len(needle))) {
			return i
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		from = i + size
	}
	return -1
}

// ContainsBoundary reports whether needle occurs in s on word boundaries.
func ContainsBoundary(s, needle string) bool {
	return IndexBoundary(s, needle, 0) >= 0
}

// RuneBefore returns the rune ending at byte offset i, or utf8.RuneError.
func RuneBefore(s string, i int) rune {
	if i <= 0 {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return r
}

// RuneAfter returns the rune starting at byte offset i, or utf8.RuneError.
func RuneAfter(s string, i int) rune {
	if i >= len(s) {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return r
}
