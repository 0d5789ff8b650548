package indexer

import (
	"strings"
	"unicode"
)

// Preprocess collapses whitespace runs to single spaces, trims the ends and drops
// non-printing control characters (PDF extraction often leaves NULs behind).
func Preprocess(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}
