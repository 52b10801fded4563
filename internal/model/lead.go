package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// LeadStatus tracks a run lead through scheduling and delivery.
type LeadStatus string

const (
	LeadStatusNew          LeadStatus = "new"
	LeadStatusSuppressed   LeadStatus = "suppressed"
	LeadStatusScheduled    LeadStatus = "scheduled"
	LeadStatusSent         LeadStatus = "sent"
	LeadStatusReplied      LeadStatus = "replied"
	LeadStatusBounced      LeadStatus = "bounced"
	LeadStatusUnsubscribed LeadStatus = "unsubscribed"
)

// ParseLeadStatus validates a lead status string.
func ParseLeadStatus(s string) (LeadStatus, error) {
	switch st := LeadStatus(s); st {
	case LeadStatusNew, LeadStatusSuppressed, LeadStatusScheduled, LeadStatusSent,
		LeadStatusReplied, LeadStatusBounced, LeadStatusUnsubscribed:
		return st, nil
	}
	return "", eris.Errorf("model: unknown lead status %q", s)
}

// Contactable reports whether further cadence steps may go to the lead.
func (s LeadStatus) Contactable() bool {
	switch s {
	case LeadStatusReplied, LeadStatusBounced, LeadStatusUnsubscribed, LeadStatusSuppressed:
		return false
	default:
		return true
	}
}

// RunLead is a deduplicated contact discovered for a run. Email is unique
// per run and always lowercased.
type RunLead struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	Company        string     `json:"company,omitempty"`
	Title          string     `json:"title,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	SourceURL      string     `json:"source_url,omitempty"`
	Status         LeadStatus `json:"status"`
	SuppressReason string     `json:"suppress_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
