package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

// Both backends decode rows through these helpers so unknown status or type
// strings are rejected at the storage boundary.

func marshalRunJSON(run *model.Run) (policy, template, metrics []byte, err error) {
	if policy, err = json.Marshal(run.Policy); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal run policy")
	}
	if template, err = json.Marshal(run.Template); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal run template")
	}
	if metrics, err = json.Marshal(run.Metrics); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal run metrics")
	}
	return policy, template, metrics, nil
}

func decodeRun(r *model.Run, status, prePause string, policy, template, metrics []byte) error {
	var err error
	if r.Status, err = model.ParseRunStatus(status); err != nil {
		return err
	}
	if prePause != "" {
		if r.PrePauseStatus, err = model.ParseRunStatus(prePause); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(policy, &r.Policy); err != nil {
		return eris.Wrapf(err, "store: unmarshal policy of run %s", r.ID)
	}
	if err := json.Unmarshal(template, &r.Template); err != nil {
		return eris.Wrapf(err, "store: unmarshal template of run %s", r.ID)
	}
	if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
		return eris.Wrapf(err, "store: unmarshal metrics of run %s", r.ID)
	}
	return nil
}

func decodeJob(j *model.Job, typ, status string) error {
	var err error
	if j.Type, err = model.ParseJobType(typ); err != nil {
		return err
	}
	j.Status, err = model.ParseJobStatus(status)
	return err
}

func decodeAnomaly(a *model.Anomaly, typ, severity, status string, details []byte) error {
	var err error
	if a.Type, err = model.ParseAnomalyType(typ); err != nil {
		return err
	}
	if a.Severity, err = model.ParseSeverity(severity); err != nil {
		return err
	}
	if a.Status, err = model.ParseAnomalyStatus(status); err != nil {
		return err
	}
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return eris.Wrapf(err, "store: unmarshal details of anomaly %s", a.ID)
		}
	}
	return nil
}

func terminalRunStatuses() []any {
	return []any{
		string(model.RunStatusCompleted),
		string(model.RunStatusCanceled),
		string(model.RunStatusFailed),
		string(model.RunStatusPreflightFailed),
	}
}

func prepareJob(j *model.Job) {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobStatusQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = model.DefaultMaxAttempts
	}
	if j.ExecuteAfter.IsZero() {
		j.ExecuteAfter = now
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
}

func prepareLead(l *model.RunLead) {
	now := time.Now().UTC()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	if l.Status == "" {
		l.Status = model.LeadStatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = l.CreatedAt
}

func prepareMessage(m *model.Message) {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = model.MessageStatusScheduled
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
}

func prepareReply(r *model.Reply) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Sentiment == "" {
		r.Sentiment = model.SentimentNeutral
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = r.CreatedAt
	}
}

func prepareEvent(e *model.Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
