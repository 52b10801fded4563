package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobType is the wire contract between the run state machine and the queue.
type JobType string

const (
	JobSourceLeads      JobType = "source_leads"
	JobScheduleMessages JobType = "schedule_messages"
	JobDispatchMessages JobType = "dispatch_messages"
	JobSyncReplies      JobType = "sync_replies"
	JobAnalyzeRun       JobType = "analyze_run"
)

// JobTypes lists every known job type.
var JobTypes = []JobType{
	JobSourceLeads, JobScheduleMessages, JobDispatchMessages, JobSyncReplies, JobAnalyzeRun,
}

// ParseJobType validates a job type string.
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", eris.Errorf("model: unknown job type %q", s)
}

// RunFatal reports whether terminal failure of this job type fails the run.
func (t JobType) RunFatal() bool {
	return t == JobSourceLeads || t == JobScheduleMessages
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ParseJobStatus validates a job status string.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return st, nil
	}
	return "", eris.Errorf("model: unknown job status %q", s)
}

// DefaultMaxAttempts is used when Enqueue is given no explicit limit.
const DefaultMaxAttempts = 5

// Job is a retryable, time-scheduled unit of work bound to a run.
type Job struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	RunID        string          `json:"run_id"`
	Type         JobType         `json:"job_type"`
	Status       JobStatus       `json:"status"`
	ExecuteAfter time.Time       `json:"execute_after"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DecodePayload unmarshals the job payload into v. An empty payload leaves
// v untouched.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(j.Payload, v), "model: decode %s payload", j.Type)
}
