package leads

import (
	"net/mail"
	"strings"
)

const (
	maxEmailLen = 254
	maxLocalLen = 64
	maxLabelLen = 63
)

// fileExtensionTLDs are "TLDs" that show up when asset names such as
// logo@2x.png are scraped as emails.
var fileExtensionTLDs = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "svg": {}, "webp": {},
	"css": {}, "js": {}, "ico": {}, "bmp": {}, "pdf": {},
}

// ValidEmail reports whether addr is a bare, syntactically strict email
// address: dot-atom local part, LDH domain labels, alphabetic TLD.
func ValidEmail(addr string) bool {
	if addr == "" || len(addr) > maxEmailLen {
		return false
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 || strings.Count(addr, "@") != 1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]
	if !validLocal(local) || !validDomain(domain) {
		return false
	}

	// net/mail rejects anything the RFC grammar does not allow; it must also
	// round-trip as a bare address with no display name.
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" {
		return false
	}
	return strings.EqualFold(parsed.Address, addr)
}

func validLocal(local string) bool {
	if len(local) > maxLocalLen {
		return false
	}
	if local[0] == '.' || local[len(local)-1] == '.' || strings.Contains(local, "..") {
		return false
	}
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(".!#$%&'*+/=?^_`{|}~-", r):
		default:
			return false
		}
	}
	return true
}

func validDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > maxLabelLen || l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	tld := strings.ToLower(labels[len(labels)-1])
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	_, asset := fileExtensionTLDs[tld]
	return !asset
}

// SplitEmail returns the lowercased local part and domain of addr.
func SplitEmail(addr string) (local, domain string) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}
