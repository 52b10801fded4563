package outreach

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/store"
)

// SyncPayload is the payload of sync_replies jobs. Since is the poll cursor.
type SyncPayload struct {
	Since time.Time `json:"since,omitempty"`
}

// syncReplies polls the run mailbox for inbound mail and applies replies,
// bounces and unsubscribes to leads, messages and metrics. Polls overlap
// safely: replies are deduplicated by provider id and bounces and
// unsubscribes by lead status.
func (e *Engine) syncReplies(ctx context.Context, job *model.Job) error {
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		return eris.Wrapf(err, "outreach: load run %s", job.RunID)
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Mailbox == "" || e.providers.Replies == nil {
		e.log.Debug("reply sync skipped", zap.String("run_id", run.ID))
		return nil
	}

	var payload SyncPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	since := payload.Since
	if since.IsZero() {
		since = run.CreatedAt
		if run.LaunchedAt != nil {
			since = *run.LaunchedAt
		}
	}

	items, err := e.providers.Replies.PollReplies(ctx, run.Mailbox, since)
	if err != nil {
		return eris.Wrapf(err, "outreach: poll mailbox %s", run.Mailbox)
	}

	cursor := since
	applied := 0
	for _, in := range items {
		changed, err := e.applyInbound(ctx, run, in)
		if err != nil {
			return err
		}
		if changed {
			applied++
		}
		if in.ReceivedAt.After(cursor) {
			cursor = in.ReceivedAt
		}
	}
	e.log.Debug("reply sync",
		zap.String("run_id", run.ID),
		zap.Int("polled", len(items)),
		zap.Int("applied", applied),
	)

	return e.rearm(ctx, run.ID, model.JobSyncReplies, e.now().Add(e.opts.ReplySyncInterval), SyncPayload{Since: cursor})
}

// applyInbound matches one inbound item to a lead and applies it. Items
// that match nothing in the run are ignored.
func (e *Engine) applyInbound(ctx context.Context, run *model.Run, in provider.Inbound) (bool, error) {
	msg, lead, err := e.match(ctx, run.ID, in)
	if err != nil || lead == nil {
		return false, err
	}
	now := e.now()

	switch in.Kind {
	case provider.InboundBounce:
		if lead.Status == model.LeadStatusBounced {
			return false, nil
		}
		if err := e.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusBounced, now); err != nil {
			return false, eris.Wrapf(err, "outreach: mark lead %s bounced", lead.ID)
		}
		if msg != nil && msg.Status == model.MessageStatusSent {
			msg.Status = model.MessageStatusBounced
			if err := e.store.UpdateMessage(ctx, msg); err != nil {
				return false, eris.Wrapf(err, "outreach: mark message %s bounced", msg.ID)
			}
		}
		if _, err := e.runs.Update(ctx, run.ID, func(r *model.Run) error {
			r.Metrics.BouncedMessages++
			return nil
		}); err != nil {
			return false, err
		}
		e.runs.Event(ctx, run.ID, model.EventMessageBounced, map[string]any{
			"lead_id":    lead.ID,
			"message_id": messageID(msg),
			"async":      true,
		})
		_, err := e.cancelRemaining(ctx, run.ID, lead.ID, "bounced")
		return true, err

	case provider.InboundUnsubscribe:
		if lead.Status == model.LeadStatusUnsubscribed {
			return false, nil
		}
		if err := e.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusUnsubscribed, now); err != nil {
			return false, eris.Wrapf(err, "outreach: mark lead %s unsubscribed", lead.ID)
		}
		_, err := e.cancelRemaining(ctx, run.ID, lead.ID, "unsubscribed")
		return true, err

	default:
		return e.applyReply(ctx, run, in, msg, lead, now)
	}
}

func (e *Engine) applyReply(ctx context.Context, run *model.Run, in provider.Inbound, msg *model.Message, lead *model.RunLead, now time.Time) (bool, error) {
	reply := &model.Reply{
		RunID:           run.ID,
		LeadID:          lead.ID,
		MessageID:       messageID(msg),
		ProviderReplyID: in.ProviderReplyID,
		FromEmail:       strings.ToLower(strings.TrimSpace(in.FromEmail)),
		Subject:         in.Subject,
		Snippet:         in.Snippet,
		Sentiment:       ClassifySentiment(in.Sentiment, in.Subject+"\n"+in.Snippet),
		ReceivedAt:      in.ReceivedAt.UTC(),
	}
	inserted, err := e.store.InsertReply(ctx, reply)
	if err != nil {
		return false, eris.Wrapf(err, "outreach: store reply %s", in.ProviderReplyID)
	}
	if !inserted {
		return false, nil
	}

	if lead.Status != model.LeadStatusReplied {
		if err := e.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusReplied, now); err != nil {
			return false, eris.Wrapf(err, "outreach: mark lead %s replied", lead.ID)
		}
	}
	if msg != nil && msg.Status == model.MessageStatusSent {
		msg.Status = model.MessageStatusReplied
		if err := e.store.UpdateMessage(ctx, msg); err != nil {
			return false, eris.Wrapf(err, "outreach: mark message %s replied", msg.ID)
		}
	}
	if _, err := e.runs.Update(ctx, run.ID, func(r *model.Run) error {
		r.Metrics.Replies++
		switch reply.Sentiment {
		case model.SentimentPositive:
			r.Metrics.PositiveReplies++
		case model.SentimentNegative:
			r.Metrics.NegativeReplies++
		}
		return nil
	}); err != nil {
		return false, err
	}

	e.runs.Event(ctx, run.ID, model.EventReplyReceived, map[string]any{
		"reply_id":   reply.ID,
		"lead_id":    lead.ID,
		"message_id": reply.MessageID,
		"sentiment":  reply.Sentiment,
	})
	_, err = e.cancelRemaining(ctx, run.ID, lead.ID, "replied")
	return true, err
}

// match finds the message an inbound item refers to by provider message
// id, falling back to the lead's address.
func (e *Engine) match(ctx context.Context, runID string, in provider.Inbound) (*model.Message, *model.RunLead, error) {
	if in.InReplyTo != "" {
		msg, err := e.store.FindMessageByProviderID(ctx, runID, in.InReplyTo)
		switch {
		case err == nil:
			lead, err := e.store.GetLead(ctx, msg.LeadID)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "outreach: load lead %s", msg.LeadID)
			}
			return msg, lead, nil
		case !eris.Is(err, store.ErrNotFound):
			return nil, nil, eris.Wrapf(err, "outreach: find message %s", in.InReplyTo)
		}
	}

	email := strings.ToLower(strings.TrimSpace(in.FromEmail))
	if email == "" {
		return nil, nil, nil
	}
	lead, err := e.store.FindLeadByEmail(ctx, runID, email)
	if eris.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "outreach: find lead %s", email)
	}
	return nil, lead, nil
}

func messageID(m *model.Message) string {
	if m == nil {
		return ""
	}
	return m.ID
}

var (
	negativePhrases = []string{
		"not interested", "no thanks", "no thank you", "unsubscribe", "remove me",
		"take me off", "stop emailing", "do not contact", "don't contact", "not a fit",
	}
	positivePhrases = []string{
		"interested", "sounds good", "let's talk", "lets talk", "set up a call",
		"schedule a call", "book a", "demo", "tell me more", "happy to chat",
	}
)

// ClassifySentiment returns the provider's label when it is valid and
// otherwise labels text by keyword. Negative phrases win over positive
// ones, so "not interested" is never read as interest.
func ClassifySentiment(label, text string) model.Sentiment {
	if s, err := model.ParseSentiment(strings.ToLower(strings.TrimSpace(label))); err == nil {
		return s
	}
	t := strings.ToLower(text)
	for _, p := range negativePhrases {
		if strings.Contains(t, p) {
			return model.SentimentNegative
		}
	}
	for _, p := range positivePhrases {
		if strings.Contains(t, p) {
			return model.SentimentPositive
		}
	}
	return model.SentimentNeutral
}
