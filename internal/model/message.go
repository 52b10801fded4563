package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// MessageStatus is the delivery state of one scheduled touch.
type MessageStatus string

const (
	MessageStatusScheduled MessageStatus = "scheduled"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusBounced   MessageStatus = "bounced"
	MessageStatusReplied   MessageStatus = "replied"
	MessageStatusCanceled  MessageStatus = "canceled"
)

// ParseMessageStatus validates a message status string.
func ParseMessageStatus(s string) (MessageStatus, error) {
	switch st := MessageStatus(s); st {
	case MessageStatusScheduled, MessageStatusSent, MessageStatusFailed,
		MessageStatusBounced, MessageStatusReplied, MessageStatusCanceled:
		return st, nil
	}
	return "", eris.Errorf("model: unknown message status %q", s)
}

// Terminal reports whether the provider outcome of the message is settled.
func (s MessageStatus) Terminal() bool {
	return s != MessageStatusScheduled
}

// Message is one scheduled or sent touch to a lead within a run.
type Message struct {
	ID                string        `json:"id"`
	RunID             string        `json:"run_id"`
	LeadID            string        `json:"lead_id"`
	Step              int           `json:"step"`
	Subject           string        `json:"subject"`
	Body              string        `json:"body"`
	Status            MessageStatus `json:"status"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
