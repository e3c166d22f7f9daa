// Package slug turns display names into stable identifier fragments.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Unknown is returned for input that has no identifier characters at all.
const Unknown = "unknown"

// Make lowercases text, strips diacritics and collapses every run of
// characters outside [a-z0-9] into a single underscore.
// "Kuchnia Główna" -> "kuchnia_glowna".
func Make(text string) string {
	folded := fold(text)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return Unknown
	}
	return b.String()
}

// letters that do not decompose under NFD
var replacer = strings.NewReplacer(
	"ł", "l", "Ł", "L",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ß", "ss",
	"æ", "ae", "Æ", "AE",
)

func fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, replacer.Replace(text))
	if err != nil {
		return text
	}
	return out
}
