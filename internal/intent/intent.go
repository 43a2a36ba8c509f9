// Package intent normalizes content intents and derives the hash used as a
// reservation key.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// separator keeps "ab"+"c" and "a"+"bc" apart.
const separator = "\x1f"

// Normalize folds case, strips diacritics, drops punctuation and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Hash returns the hex sha256 of normalize(title) ‖ normalize(location).
func Hash(title, location string) string {
	sum := sha256.Sum256([]byte(Normalize(title) + separator + Normalize(location)))
	return hex.EncodeToString(sum[:])
}
