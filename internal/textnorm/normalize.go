// Package textnorm provides the single Unicode normalization routine
// shared by the Smart Context Manager (closure-marker matching) and the
// Folder/List Resolver (client-name normalization), so the two components
// can never drift on what "the same text" means.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold normalizes s for comparison: Unicode-decomposes, strips combining
// diacritical marks, lowercases, and collapses runs of whitespace to a
// single space.
func Fold(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	return collapseWhitespace(folded)
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
