package leads

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// cleanText composes to NFKC and drops control and format characters
// (zero-width joiners, BOMs) that scraped names often carry.
func cleanText() transform.Transformer {
	return transform.Chain(
		norm.NFKC,
		runes.Remove(runes.In(unicode.Cc)),
		runes.Remove(runes.In(unicode.Cf)),
	)
}

// NormalizeText returns s NFKC-normalized with invisible characters removed
// and whitespace collapsed.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	out, _, err := transform.String(cleanText(), s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

// NormalizeName normalizes a person name. All-caps or all-lowercase names
// are title-cased; mixed case is kept as written.
func NormalizeName(s string) string {
	s = NormalizeText(s)
	if s == "" || (s != strings.ToUpper(s) && s != strings.ToLower(s)) {
		return s
	}
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

// titleWord upper-cases the first letter of w and of each hyphen or
// apostrophe separated part.
func titleWord(w string) string {
	rs := []rune(w)
	upper := true
	for i, r := range rs {
		if upper && unicode.IsLetter(r) {
			rs[i] = unicode.ToUpper(r)
			upper = false
			continue
		}
		if r == '-' || r == '\'' || r == '’' {
			upper = true
		}
	}
	return string(rs)
}
