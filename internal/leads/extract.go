// Package leads turns raw sourced rows into clean, unique, sendable run
// leads: email extraction, strict validation, suppression rules and
// per-batch deduplication.
package leads

import (
	"net/url"
	"regexp"
	"strings"
)

// candidateRe finds email-shaped tokens in free text. Candidates are
// validated strictly afterwards; the pattern is deliberately loose.
var candidateRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ExtractEmails returns every email-shaped candidate in s, lowercased, in
// order of appearance and without repeats. Percent-encoded text, URL query
// strings and mailto: links are decoded first.
func ExtractEmails(s string) []string {
	if !strings.Contains(s, "@") && !strings.Contains(strings.ToLower(s), "%40") {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	add := func(text string) {
		for _, m := range candidateRe.FindAllString(text, -1) {
			m = strings.ToLower(strings.Trim(m, ".-"))
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}

	for _, field := range strings.Fields(s) {
		for _, text := range decodeField(field) {
			add(text)
		}
	}
	return out
}

// decodeField expands one whitespace-delimited token into the texts worth
// scanning: the token itself, its percent-decoded form, and for URLs the
// decoded query values and mailto target.
func decodeField(field string) []string {
	texts := []string{field}
	// PathUnescape leaves '+' alone so plus-addressed emails survive.
	if strings.Contains(field, "%") {
		if dec, err := url.PathUnescape(field); err == nil {
			texts = append(texts, dec)
		}
	}

	lower := strings.ToLower(field)
	if strings.HasPrefix(lower, "mailto:") {
		target := field[len("mailto:"):]
		if i := strings.IndexByte(target, '?'); i >= 0 {
			target = target[:i]
		}
		if dec, err := url.PathUnescape(target); err == nil {
			target = dec
		}
		texts = append(texts, target)
		return texts
	}

	if !strings.Contains(lower, "://") && !strings.Contains(field, "?") {
		return texts
	}
	u, err := url.Parse(field)
	if err != nil {
		return texts
	}
	for _, vals := range u.Query() {
		for _, v := range vals {
			texts = append(texts, v)
			// A query value may itself be a mailto: link or a nested URL.
			if strings.HasPrefix(strings.ToLower(v), "mailto:") {
				texts = append(texts, v[len("mailto:"):])
			}
		}
	}
	if u.Fragment != "" {
		texts = append(texts, u.Fragment)
	}
	return texts
}
