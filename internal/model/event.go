package model

import (
	"encoding/json"
	"time"
)

// EventType names an audit record.
type EventType string

const (
	EventRunLaunched        EventType = "run_launched"
	EventRunPreflightFailed EventType = "run_preflight_failed"
	EventRunTransition      EventType = "run_transition"
	EventRunPaused          EventType = "run_paused"
	EventRunResumed         EventType = "run_resumed"
	EventRunCanceled        EventType = "run_canceled"
	EventRunFailed          EventType = "run_failed"
	EventRunCompleted       EventType = "run_completed"
	EventRunError           EventType = "run_error"

	EventJobEnqueued  EventType = "job_enqueued"
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobRetrying  EventType = "job_retrying"
	EventJobFailed    EventType = "job_failed"

	EventLeadsSourced      EventType = "leads_sourced"
	EventMessagesScheduled EventType = "messages_scheduled"
	EventMessageSent       EventType = "message_sent"
	EventMessageFailed     EventType = "message_failed"
	EventMessageBounced    EventType = "message_bounced"
	EventMessagesCanceled  EventType = "messages_canceled"
	EventReplyReceived     EventType = "reply_received"

	EventAnomalyRaised       EventType = "anomaly_raised"
	EventAnomalyEscalated    EventType = "anomaly_escalated"
	EventAnomalyAcknowledged EventType = "anomaly_acknowledged"
	EventAnomalyResolved     EventType = "anomaly_resolved"
)

// Event is an immutable audit record. Events are appended and never
// mutated or deleted.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an event for runID with payload marshaled to JSON.
// Payloads that cannot be marshaled are recorded as an error string so the
// audit trail is never dropped.
func NewEvent(runID string, typ EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return Event{RunID: runID, Type: typ, Payload: raw}
}
