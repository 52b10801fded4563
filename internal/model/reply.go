package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Sentiment classifies an inbound reply.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Reply is a reply thread record created by reply sync.
type Reply struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	LeadID          string    `json:"lead_id"`
	MessageID       string    `json:"message_id,omitempty"`
	ProviderReplyID string    `json:"provider_reply_id"`
	FromEmail       string    `json:"from_email"`
	Subject         string    `json:"subject,omitempty"`
	Snippet         string    `json:"snippet,omitempty"`
	Sentiment       Sentiment `json:"sentiment"`
	ReceivedAt      time.Time `json:"received_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// ParseSentiment validates a sentiment string.
func ParseSentiment(s string) (Sentiment, error) {
	switch st := Sentiment(s); st {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return st, nil
	}
	return "", eris.Errorf("model: unknown sentiment %q", s)
}
