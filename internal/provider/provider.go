// Package provider defines the sourcing, delivery, mailbox and credential
// collaborators of the outreach engine, plus a generic JSON/HTTP adapter
// and a file-based lead source.
package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/leads"
	"github.com/sells-group/outreach-engine/internal/model"
)

// Scope is the capability a credential is checked for.
type Scope string

const (
	ScopeSend   Scope = "send"
	ScopeSource Scope = "source"
	ScopeRead   Scope = "read"
)

// Recipient is the addressee of an outbound message.
type Recipient struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
	// Bounced is set when the provider rejected the recipient synchronously.
	Bounced bool `json:"bounced,omitempty"`
}

// InboundKind classifies a mailbox item.
type InboundKind string

const (
	InboundReply       InboundKind = "reply"
	InboundBounce      InboundKind = "bounce"
	InboundUnsubscribe InboundKind = "unsubscribe"
)

// Inbound is one item read from a reply mailbox.
type Inbound struct {
	ProviderReplyID string      `json:"provider_reply_id"`
	Kind            InboundKind `json:"kind"`
	// InReplyTo is the provider message id the item refers to, if known.
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	FromEmail  string    `json:"from_email"`
	Subject    string    `json:"subject,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Sourcer returns raw lead rows for a sourcing query.
type Sourcer interface {
	SourceLeads(ctx context.Context, query string) ([]leads.RawLead, error)
}

// Sender delivers one message from a delivery account.
type Sender interface {
	SendMessage(ctx context.Context, accountID string, msg model.Message, to Recipient) (SendResult, error)
}

// ReplyPoller reads mailbox items received after since.
type ReplyPoller interface {
	PollReplies(ctx context.Context, mailbox string, since time.Time) ([]Inbound, error)
}

// CredentialTester verifies an account holds a scope. Any error fails
// preflight.
type CredentialTester interface {
	TestCredentials(ctx context.Context, account string, scope Scope) error
}

// Set bundles the collaborators the job handlers need.
type Set struct {
	Sourcer     Sourcer
	Sender      Sender
	Replies     ReplyPoller
	Credentials CredentialTester
}

// ScopedCredentials routes each scope to the collaborator that serves it.
// Scopes without an entry go to Default.
type ScopedCredentials struct {
	Default CredentialTester
	ByScope map[Scope]CredentialTester
}

// TestCredentials implements CredentialTester.
func (s ScopedCredentials) TestCredentials(ctx context.Context, account string, scope Scope) error {
	if t, ok := s.ByScope[scope]; ok && t != nil {
		return t.TestCredentials(ctx, account, scope)
	}
	if s.Default == nil {
		return eris.Errorf("provider: no credential check for scope %q", scope)
	}
	return s.Default.TestCredentials(ctx, account, scope)
}
