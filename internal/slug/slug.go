// Package slug normalizes user supplied names for matching and for use in
// storage keys.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks, so "Químicos" becomes "Quimicos".
// Transformers carry state, so a new chain is built for every call.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Fold returns the comparison form of s: trimmed, lower case, no accents.
func Fold(s string) string {
	return strings.ToLower(strings.TrimSpace(stripMarks(s)))
}

// Sanitize turns s into a name made of ASCII letters, digits, '-' and '_'.
// Runs of anything else collapse into a single '_'. An empty result becomes
// "file".
func Sanitize(s string) string {
	s = stripMarks(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'):
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "file"
	}
	return out
}
