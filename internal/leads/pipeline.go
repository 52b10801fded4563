package leads

import (
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
)

// RawLead is one unprocessed row from a sourcing provider. Email is the
// dedicated field when the provider has one; Text and URL are scanned for
// embedded addresses when it does not.
type RawLead struct {
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Company   string `json:"company,omitempty"`
	Title     string `json:"title,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// Stats counts what a Process call did with its input rows.
type Stats struct {
	Raw        int            `json:"raw"`
	Accepted   int            `json:"accepted"`
	Suppressed int            `json:"suppressed"`
	Duplicates int            `json:"duplicates"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

// Result is the outcome of processing one batch of raw rows.
type Result struct {
	// Leads holds one row per unique valid email in first-seen order.
	// Suppressed addresses are included with status suppressed so the
	// decision is auditable; they are never scheduled.
	Leads []model.RunLead
	Stats Stats
}

// Sendable returns the leads with status new.
func (r Result) Sendable() []model.RunLead {
	var out []model.RunLead
	for _, l := range r.Leads {
		if l.Status == model.LeadStatusNew {
			out = append(out, l)
		}
	}
	return out
}

// Pipeline applies extraction, validation, suppression and dedup.
type Pipeline struct {
	rules *matcher
	b2b   bool
	log   *zap.Logger
}

// NewPipeline creates a pipeline. When b2b is set, free consumer-mail
// domains are suppressed.
func NewPipeline(rules Rules, b2b bool) *Pipeline {
	return &Pipeline{
		rules: compile(rules),
		b2b:   b2b,
		log:   zap.L().With(zap.String("component", "leads")),
	}
}

// Check returns the normalized address and the suppression reason for a
// single candidate email; reason is empty when the address is sendable.
func (p *Pipeline) Check(email string) (normalized, reason string) {
	normalized = strings.ToLower(strings.TrimSpace(email))
	normalized = strings.TrimPrefix(normalized, "mailto:")
	if normalized == "" {
		return "", ReasonNoEmail
	}
	if !ValidEmail(normalized) {
		return normalized, ReasonInvalidEmail
	}
	return normalized, p.rules.reason(normalized, p.b2b)
}

// Process turns raw rows into run leads for runID. The first row seen for
// an email wins; later duplicates only fill its empty name, company and
// title.
func (p *Pipeline) Process(runID string, rows []RawLead) Result {
	res := Result{Stats: Stats{Raw: len(rows), Reasons: make(map[string]int)}}
	index := make(map[string]int, len(rows))

	for _, row := range rows {
		email, reason := p.pick(row)
		if email == "" || reason == ReasonInvalidEmail || reason == ReasonNoEmail {
			res.Stats.Suppressed++
			res.Stats.Reasons[reason]++
			continue
		}

		if i, ok := index[email]; ok {
			res.Stats.Duplicates++
			backfill(&res.Leads[i], row)
			continue
		}

		_, domain := SplitEmail(email)
		lead := model.RunLead{
			RunID:     runID,
			Email:     email,
			Name:      NormalizeName(row.Name),
			Company:   NormalizeText(row.Company),
			Title:     NormalizeText(row.Title),
			Domain:    domain,
			SourceURL: strings.TrimSpace(row.SourceURL),
			Status:    model.LeadStatusNew,
		}
		if reason != "" {
			lead.Status = model.LeadStatusSuppressed
			lead.SuppressReason = reason
			res.Stats.Suppressed++
			res.Stats.Reasons[reason]++
		} else {
			res.Stats.Accepted++
		}
		index[email] = len(res.Leads)
		res.Leads = append(res.Leads, lead)
	}

	p.log.Debug("processed lead batch",
		zap.String("run_id", runID),
		zap.Int("raw", res.Stats.Raw),
		zap.Int("accepted", res.Stats.Accepted),
		zap.Int("suppressed", res.Stats.Suppressed),
		zap.Int("duplicates", res.Stats.Duplicates),
	)
	return res
}

// pick selects the row's email: the dedicated field if it validates, else
// the first valid address embedded in Text, URL or SourceURL. When nothing
// validates, the first candidate is returned with its rejection reason.
func (p *Pipeline) pick(row RawLead) (string, string) {
	var candidates []string
	if strings.TrimSpace(row.Email) != "" {
		if found := ExtractEmails(row.Email); len(found) > 0 {
			candidates = append(candidates, found...)
		} else {
			candidates = append(candidates, row.Email)
		}
	}
	candidates = append(candidates, ExtractEmails(row.Text)...)
	candidates = append(candidates, ExtractEmails(row.URL)...)
	candidates = append(candidates, ExtractEmails(row.SourceURL)...)

	if len(candidates) == 0 {
		return "", ReasonNoEmail
	}
	firstEmail, firstReason := "", ""
	for _, c := range candidates {
		email, reason := p.Check(c)
		if reason == "" {
			return email, ""
		}
		if firstEmail == "" && reason != ReasonInvalidEmail {
			firstEmail, firstReason = email, reason
		}
	}
	if firstEmail != "" {
		return firstEmail, firstReason
	}
	return "", ReasonInvalidEmail
}

func backfill(lead *model.RunLead, row RawLead) {
	if lead.Name == "" {
		lead.Name = NormalizeName(row.Name)
	}
	if lead.Company == "" {
		lead.Company = NormalizeText(row.Company)
	}
	if lead.Title == "" {
		lead.Title = NormalizeText(row.Title)
	}
}
