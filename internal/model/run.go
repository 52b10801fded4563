// Package model defines the strongly-typed records the outreach engine
// reads from and writes to persistence.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the current state of an outreach run.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusPreflightFailed RunStatus = "preflight_failed"
	RunStatusSourcing        RunStatus = "sourcing"
	RunStatusScheduled       RunStatus = "scheduled"
	RunStatusSending         RunStatus = "sending"
	RunStatusMonitoring      RunStatus = "monitoring"
	RunStatusPaused          RunStatus = "paused"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusCanceled        RunStatus = "canceled"
	RunStatusFailed          RunStatus = "failed"
)

var runStatuses = map[RunStatus]struct{}{
	RunStatusQueued: {}, RunStatusPreflightFailed: {}, RunStatusSourcing: {},
	RunStatusScheduled: {}, RunStatusSending: {}, RunStatusMonitoring: {},
	RunStatusPaused: {}, RunStatusCompleted: {}, RunStatusCanceled: {},
	RunStatusFailed: {},
}

// ParseRunStatus validates a status string read from storage or a request.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if _, ok := runStatuses[st]; !ok {
		return "", eris.Errorf("model: unknown run status %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is allowed out of s.
// preflight_failed is terminal as well: the run never starts executing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCanceled, RunStatusFailed, RunStatusPreflightFailed:
		return true
	default:
		return false
	}
}

// Sendable reports whether messages may be dispatched while in s.
func (s RunStatus) Sendable() bool {
	return s == RunStatusScheduled || s == RunStatusSending
}

// RunMetrics is the aggregate counter set maintained by the job handlers.
type RunMetrics struct {
	SourcedLeads      int `json:"sourced_leads"`
	SuppressedLeads   int `json:"suppressed_leads"`
	DuplicateLeads    int `json:"duplicate_leads"`
	ScheduledMessages int `json:"scheduled_messages"`
	SentMessages      int `json:"sent_messages"`
	BouncedMessages   int `json:"bounced_messages"`
	FailedMessages    int `json:"failed_messages"`
	SpamFailures      int `json:"spam_failures"`
	Replies           int `json:"replies"`
	PositiveReplies   int `json:"positive_replies"`
	NegativeReplies   int `json:"negative_replies"`

	// NegativeReplyBaseline is the rolling baseline for the negative reply
	// rate. Zero means no baseline has been observed yet.
	NegativeReplyBaseline float64 `json:"negative_reply_baseline"`
}

// Run is one attempt to execute an experiment or promoted campaign.
type Run struct {
	ID           string `json:"id"`
	BrandID      string `json:"brand_id"`
	CampaignID   string `json:"campaign_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
	AccountID    string `json:"account_id"`
	Mailbox      string `json:"mailbox,omitempty"`
	SourceQuery  string `json:"source_query,omitempty"`

	Status         RunStatus  `json:"status"`
	PrePauseStatus RunStatus  `json:"pre_pause_status,omitempty"`
	Policy         RunPolicy  `json:"policy"`
	Template       Template   `json:"template"`
	PauseReason    string     `json:"pause_reason,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Metrics        RunMetrics `json:"metrics"`
	Version        int64      `json:"version"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LaunchedAt      *time.Time `json:"launched_at,omitempty"`
	MonitoringSince *time.Time `json:"monitoring_since,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ScopeKey identifies the experiment or campaign a run belongs to. It is used
// by the single-active-run guard.
func (r *Run) ScopeKey() string {
	if r.ExperimentID != "" {
		return "experiment:" + r.ExperimentID
	}
	if r.CampaignID != "" {
		return "campaign:" + r.CampaignID
	}
	return ""
}

// Template holds per-step message copy. Step copy is chosen by cadence step;
// missing steps fall back to the first entry with a "Re: " subject.
type Template struct {
	Steps []StepCopy `json:"steps"`
}

// StepCopy is the subject/body pair for one cadence step.
type StepCopy struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ForStep returns the copy for the given 1-based step.
func (t Template) ForStep(step int) StepCopy {
	if step >= 1 && step <= len(t.Steps) {
		return t.Steps[step-1]
	}
	if len(t.Steps) == 0 {
		return StepCopy{}
	}
	first := t.Steps[0]
	return StepCopy{Subject: "Re: " + first.Subject, Body: first.Body}
}
