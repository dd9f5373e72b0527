package mapping

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases, trims and collapses internal whitespace
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeText lowercases and replaces punctuation with spaces, leaving
// single-space separated words
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContainsTerm reports whether text mentions term on word boundaries.
// Both arguments are normalized first.
func ContainsTerm(text, term string) bool {
	t := NormalizeText(term)
	if t == "" {
		return false
	}
	return strings.Contains(" "+NormalizeText(text)+" ", " "+t+" ")
}
