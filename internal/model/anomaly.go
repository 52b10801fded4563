package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// AnomalyType identifies the run-health signal that crossed a threshold.
type AnomalyType string

const (
	AnomalyHardBounceRate     AnomalyType = "hard_bounce_rate"
	AnomalySpamComplaintRate  AnomalyType = "spam_complaint_rate"
	AnomalyProviderErrorRate  AnomalyType = "provider_error_rate"
	AnomalyNegativeReplySpike AnomalyType = "negative_reply_rate_spike"
)

// ParseAnomalyType validates an anomaly type string.
func ParseAnomalyType(s string) (AnomalyType, error) {
	switch t := AnomalyType(s); t {
	case AnomalyHardBounceRate, AnomalySpamComplaintRate, AnomalyProviderErrorRate, AnomalyNegativeReplySpike:
		return t, nil
	}
	return "", eris.Errorf("model: unknown anomaly type %q", s)
}

// PausesRun reports whether a critical anomaly of this type must pause the run.
func (t AnomalyType) PausesRun() bool {
	return t == AnomalyHardBounceRate || t == AnomalySpamComplaintRate
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(s); sv {
	case SeverityWarning, SeverityCritical:
		return sv, nil
	}
	return "", eris.Errorf("model: unknown severity %q", s)
}

// AnomalyStatus is the lifecycle state of an anomaly.
type AnomalyStatus string

const (
	AnomalyStatusActive       AnomalyStatus = "active"
	AnomalyStatusAcknowledged AnomalyStatus = "acknowledged"
	AnomalyStatusResolved     AnomalyStatus = "resolved"
)

// ParseAnomalyStatus validates an anomaly status string.
func ParseAnomalyStatus(s string) (AnomalyStatus, error) {
	switch st := AnomalyStatus(s); st {
	case AnomalyStatusActive, AnomalyStatusAcknowledged, AnomalyStatusResolved:
		return st, nil
	}
	return "", eris.Errorf("model: unknown anomaly status %q", s)
}

// Anomaly is a detected health problem for a run.
type Anomaly struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Type       AnomalyType    `json:"type"`
	Severity   Severity       `json:"severity"`
	Status     AnomalyStatus  `json:"status"`
	Threshold  float64        `json:"threshold"`
	Observed   float64        `json:"observed"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Open reports whether the anomaly has not been resolved.
func (a *Anomaly) Open() bool {
	return a.Status != AnomalyStatusResolved
}
