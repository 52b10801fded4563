package leads

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Suppression reasons recorded on suppressed leads and in Stats.
const (
	ReasonNoEmail      = "no_email"
	ReasonInvalidEmail = "invalid_email"
	ReasonPlaceholder  = "placeholder_domain"
	ReasonRoleAccount  = "role_account"
	ReasonFreeProvider = "free_provider"
)

// Rules holds the suppression lists. Entries are matched case-insensitively.
type Rules struct {
	PlaceholderDomains []string `yaml:"placeholder_domains"`
	// PlaceholderSuffixes match reserved TLDs and subdomains such as ".test".
	PlaceholderSuffixes []string `yaml:"placeholder_suffixes"`
	RoleExact           []string `yaml:"role_exact"`
	RolePrefixes        []string `yaml:"role_prefixes"`
	RoleSuffixes        []string `yaml:"role_suffixes"`
	RoleSubstrings      []string `yaml:"role_substrings"`
	FreeProviders       []string `yaml:"free_providers"`
	// Allow lists full addresses or domains that bypass the role and
	// free-provider rules. Syntax and placeholder checks still apply.
	Allow []string `yaml:"allow"`
}

// DefaultRules returns the built-in suppression lists.
func DefaultRules() Rules {
	return Rules{
		PlaceholderDomains: []string{
			"example.com", "example.org", "example.net", "test.com", "domain.com",
			"email.com", "yourdomain.com", "yourcompany.com", "company.com",
			"mydomain.com", "sample.com", "foo.com", "bar.com", "acme.example",
			"sentry.io", "wixpress.com",
		},
		PlaceholderSuffixes: []string{".example", ".test", ".invalid", ".localhost", ".local"},
		RoleExact: []string{
			"info", "support", "noreply", "no-reply", "admin", "administrator", "sales",
			"contact", "hello", "help", "office", "marketing", "team", "billing",
			"jobs", "careers", "hr", "press", "media", "webmaster", "postmaster",
			"hostmaster", "abuse", "privacy", "legal", "security", "feedback",
			"enquiries", "inquiries", "service", "mail", "accounts", "newsletter",
			"notifications", "orders", "reception", "root", "all", "everyone",
		},
		RolePrefixes:   []string{"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply", "info.", "info-", "support.", "support-", "sales.", "sales-"},
		RoleSuffixes:   []string{"-noreply", ".noreply", "_noreply", "-support", ".support", "-info", ".info", "-team", ".team"},
		RoleSubstrings: []string{"noreply", "no-reply", "donotreply", "mailer-daemon", "unsubscribe", "bounce"},
		FreeProviders: []string{
			"gmail.com", "googlemail.com", "yahoo.com", "ymail.com", "hotmail.com",
			"outlook.com", "live.com", "msn.com", "aol.com", "icloud.com", "me.com",
			"mac.com", "proton.me", "protonmail.com", "gmx.com", "gmx.de", "gmx.net",
			"mail.com", "yandex.com", "yandex.ru", "zoho.com", "qq.com", "163.com",
			"web.de", "hey.com", "fastmail.com", "tutanota.com", "pm.me",
		},
	}
}

// LoadRules returns DefaultRules extended with the lists in the YAML file at
// path. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "leads: read rules file %s", path)
	}
	var extra Rules
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Rules{}, eris.Wrapf(err, "leads: parse rules file %s", path)
	}
	rules.Merge(extra)
	return rules, nil
}

// Merge appends every list of other to r.
func (r *Rules) Merge(other Rules) {
	r.PlaceholderDomains = append(r.PlaceholderDomains, other.PlaceholderDomains...)
	r.PlaceholderSuffixes = append(r.PlaceholderSuffixes, other.PlaceholderSuffixes...)
	r.RoleExact = append(r.RoleExact, other.RoleExact...)
	r.RolePrefixes = append(r.RolePrefixes, other.RolePrefixes...)
	r.RoleSuffixes = append(r.RoleSuffixes, other.RoleSuffixes...)
	r.RoleSubstrings = append(r.RoleSubstrings, other.RoleSubstrings...)
	r.FreeProviders = append(r.FreeProviders, other.FreeProviders...)
	r.Allow = append(r.Allow, other.Allow...)
}

// matcher is the compiled, lowercased form of Rules.
type matcher struct {
	placeholder    map[string]struct{}
	placeholderSfx []string
	roleExact      map[string]struct{}
	rolePrefixes   []string
	roleSuffixes   []string
	roleSubstrings []string
	free           map[string]struct{}
	allow          map[string]struct{}
}

func compile(r Rules) *matcher {
	return &matcher{
		placeholder:    toSet(r.PlaceholderDomains),
		placeholderSfx: lowerAll(r.PlaceholderSuffixes),
		roleExact:      toSet(r.RoleExact),
		rolePrefixes:   lowerAll(r.RolePrefixes),
		roleSuffixes:   lowerAll(r.RoleSuffixes),
		roleSubstrings: lowerAll(r.RoleSubstrings),
		free:           toSet(r.FreeProviders),
		allow:          toSet(r.Allow),
	}
}

// reason returns the suppression reason for a valid address, or "" when it
// is sendable.
func (m *matcher) reason(email string, b2b bool) string {
	local, domain := SplitEmail(email)
	if m.isPlaceholder(domain) {
		return ReasonPlaceholder
	}
	if m.allowed(email, domain) {
		return ""
	}
	if m.isRole(local) {
		return ReasonRoleAccount
	}
	if b2b {
		if _, ok := m.free[domain]; ok {
			return ReasonFreeProvider
		}
	}
	return ""
}

func (m *matcher) allowed(email, domain string) bool {
	if _, ok := m.allow[email]; ok {
		return true
	}
	_, ok := m.allow[domain]
	return ok
}

func (m *matcher) isPlaceholder(domain string) bool {
	if _, ok := m.placeholder[domain]; ok {
		return true
	}
	for d := range m.placeholder {
		if strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	for _, sfx := range m.placeholderSfx {
		if strings.HasSuffix(domain, sfx) {
			return true
		}
	}
	return false
}

func (m *matcher) isRole(local string) bool {
	// Plus-addressing tags do not change the mailbox.
	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	if _, ok := m.roleExact[local]; ok {
		return true
	}
	for _, p := range m.rolePrefixes {
		if strings.HasPrefix(local, p) {
			return true
		}
	}
	for _, s := range m.roleSuffixes {
		if strings.HasSuffix(local, s) {
			return true
		}
	}
	for _, s := range m.roleSubstrings {
		if strings.Contains(local, s) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func lowerAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}
