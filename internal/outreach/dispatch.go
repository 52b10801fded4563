package outreach

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/schedule"
	"github.com/sells-group/outreach-engine/internal/store"
)

// paceLookback reaches past the start of the current policy-timezone day in
// any timezone.
const paceLookback = 48 * time.Hour

// dispatchMessages sends the run's due messages in slot order. A provider
// outage aborts the batch with the current message left scheduled so the
// queue retries it; a per-message rejection marks only that message failed.
func (e *Engine) dispatchMessages(ctx context.Context, job *model.Job) error {
	run, ok, err := e.loadRun(ctx, job.RunID)
	if err != nil || !ok {
		return err
	}
	if !run.Status.Sendable() {
		return nil
	}
	if e.providers.Sender == nil {
		return eris.New("outreach: no sender configured")
	}

	due, err := e.store.ListDueMessages(ctx, run.ID, e.now(), e.opts.DispatchBatchSize)
	if err != nil {
		return eris.Wrapf(err, "outreach: list due messages of run %s", run.ID)
	}

	var pace *schedule.Slots
	if len(due) > 0 {
		if pace, err = e.sendPace(ctx, run); err != nil {
			return err
		}
	}

	sent := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The run may have been paused or canceled by an operator or the
		// detector since the batch was loaded.
		current, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return eris.Wrapf(err, "outreach: reload run %s", run.ID)
		}
		if !current.Status.Sendable() {
			e.log.Info("dispatch stopped", zap.String("run_id", run.ID), zap.String("status", string(current.Status)))
			return nil
		}
		run = current

		// Overdue messages go out no faster than the policy allows.
		slot := e.now().Truncate(time.Second)
		at, err := pace.Find(slot)
		if err != nil {
			return eris.Wrapf(err, "outreach: pace run %s", run.ID)
		}
		if at.After(slot) {
			e.log.Debug("dispatch deferred",
				zap.String("run_id", run.ID),
				zap.Int("sent", sent),
				zap.Int("due", len(due)-i),
				zap.Time("next_slot", at),
			)
			return e.rearm(ctx, run.ID, model.JobDispatchMessages, at, nil)
		}

		didSend, err := e.dispatchOne(ctx, run, &due[i])
		if err != nil {
			return err
		}
		if didSend {
			sent++
		}
		if due[i].SentAt != nil {
			if _, err := pace.Reserve(slot); err != nil {
				return eris.Wrapf(err, "outreach: pace run %s", run.ID)
			}
		}
	}

	e.log.Debug("dispatch pass", zap.String("run_id", run.ID), zap.Int("due", len(due)), zap.Int("sent", sent))
	return e.afterDispatch(ctx, run.ID)
}

// sendPace loads the run's recent sends into a slot book so dispatch can
// hold actual send times to the same caps and spacing as the plan.
func (e *Engine) sendPace(ctx context.Context, run *model.Run) (*schedule.Slots, error) {
	lookback := paceLookback
	if sp := run.Policy.MinSpacing(); sp > lookback {
		lookback = sp
	}
	sentTimes, err := e.store.ListSentTimes(ctx, run.ID, e.now().Add(-lookback))
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: recent sends of run %s", run.ID)
	}
	pace, err := schedule.NewSlots(run.Policy, sentTimes)
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: pace run %s", run.ID)
	}
	return pace, nil
}

// dispatchOne applies the cadence gate to msg and sends it. It reports
// whether a provider call was made.
func (e *Engine) dispatchOne(ctx context.Context, run *model.Run, msg *model.Message) (bool, error) {
	lead, err := e.store.GetLead(ctx, msg.LeadID)
	if err != nil {
		return false, eris.Wrapf(err, "outreach: load lead %s", msg.LeadID)
	}
	if !lead.Status.Contactable() {
		_, err := e.cancelRemaining(ctx, run.ID, lead.ID, string(lead.Status))
		return false, err
	}
	if msg.Step > 1 {
		ready, err := e.priorStepSettled(ctx, msg)
		if err != nil || !ready {
			return false, err
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return false, eris.Wrap(err, "outreach: send throttle")
	}

	to := provider.Recipient{Email: lead.Email, Name: lead.Name, Company: lead.Company}
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	res, sendErr := e.providers.Sender.SendMessage(sendCtx, run.AccountID, *msg, to)
	cancel()

	now := e.now()
	switch {
	case sendErr == nil && res.Bounced:
		return true, e.recordBounce(ctx, run.ID, msg, lead, res.ProviderMessageID, now)
	case sendErr == nil:
		return true, e.recordSent(ctx, run.ID, msg, lead, res.ProviderMessageID, now)
	case resilience.IsPermanent(sendErr):
		return true, e.recordFailed(ctx, run.ID, msg, sendErr, now)
	default:
		// Outage, open circuit or timeout: the message stays scheduled and
		// the job is retried with backoff.
		return true, eris.Wrapf(sendErr, "outreach: send message %s", msg.ID)
	}
}

// priorStepSettled reports whether the previous cadence step of msg's lead
// has a settled outcome. Later steps never overtake earlier ones.
func (e *Engine) priorStepSettled(ctx context.Context, msg *model.Message) (bool, error) {
	msgs, err := e.store.ListMessages(ctx, store.MessageFilter{RunID: msg.RunID, LeadID: msg.LeadID})
	if err != nil {
		return false, eris.Wrapf(err, "outreach: list messages of lead %s", msg.LeadID)
	}
	for _, m := range msgs {
		if m.Step == msg.Step-1 {
			return m.Status.Terminal(), nil
		}
	}
	return true, nil
}

func (e *Engine) recordSent(ctx context.Context, runID string, msg *model.Message, lead *model.RunLead, providerID string, now time.Time) error {
	msg.Status = model.MessageStatusSent
	msg.SentAt = &now
	msg.ProviderMessageID = providerID
	msg.LastError = ""
	if err := e.store.UpdateMessage(ctx, msg); err != nil {
		return eris.Wrapf(err, "outreach: record sent message %s", msg.ID)
	}
	if lead.Status == model.LeadStatusNew || lead.Status == model.LeadStatusScheduled {
		if err := e.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusSent, now); err != nil {
			return eris.Wrapf(err, "outreach: mark lead %s sent", lead.ID)
		}
	}
	if err := e.countSend(ctx, runID, func(m *model.RunMetrics) { m.SentMessages++ }); err != nil {
		return err
	}
	e.runs.Event(ctx, runID, model.EventMessageSent, map[string]any{
		"message_id":          msg.ID,
		"lead_id":             lead.ID,
		"step":                msg.Step,
		"provider_message_id": providerID,
	})
	return nil
}

func (e *Engine) recordBounce(ctx context.Context, runID string, msg *model.Message, lead *model.RunLead, providerID string, now time.Time) error {
	msg.Status = model.MessageStatusBounced
	msg.SentAt = &now
	msg.ProviderMessageID = providerID
	if err := e.store.UpdateMessage(ctx, msg); err != nil {
		return eris.Wrapf(err, "outreach: record bounced message %s", msg.ID)
	}
	if err := e.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusBounced, now); err != nil {
		return eris.Wrapf(err, "outreach: mark lead %s bounced", lead.ID)
	}
	// A bounce is a delivered attempt, so it counts toward sent as well.
	if err := e.countSend(ctx, runID, func(m *model.RunMetrics) {
		m.SentMessages++
		m.BouncedMessages++
	}); err != nil {
		return err
	}
	e.runs.Event(ctx, runID, model.EventMessageBounced, map[string]any{
		"message_id": msg.ID,
		"lead_id":    lead.ID,
		"step":       msg.Step,
	})
	_, err := e.cancelRemaining(ctx, runID, lead.ID, "bounced")
	return err
}

func (e *Engine) recordFailed(ctx context.Context, runID string, msg *model.Message, cause error, now time.Time) error {
	msg.Status = model.MessageStatusFailed
	msg.LastError = cause.Error()
	if err := e.store.UpdateMessage(ctx, msg); err != nil {
		return eris.Wrapf(err, "outreach: record failed message %s", msg.ID)
	}
	spam := resilience.IsSpamRejection(cause)
	if err := e.countSend(ctx, runID, func(m *model.RunMetrics) {
		m.FailedMessages++
		if spam {
			m.SpamFailures++
		}
	}); err != nil {
		return err
	}
	e.runs.Event(ctx, runID, model.EventMessageFailed, map[string]any{
		"message_id": msg.ID,
		"lead_id":    msg.LeadID,
		"step":       msg.Step,
		"error":      cause.Error(),
		"spam":       spam,
	})
	e.log.Warn("message rejected",
		zap.String("run_id", runID),
		zap.String("message_id", msg.ID),
		zap.Bool("spam", spam),
		zap.Error(cause),
	)
	return nil
}

// countSend applies a metric change and moves a scheduled run to sending
// in the same write. Outcomes are recorded whatever state the run reached
// while the call was in flight.
func (e *Engine) countSend(ctx context.Context, runID string, fn func(*model.RunMetrics)) error {
	var from model.RunStatus
	_, err := e.runs.Update(ctx, runID, func(r *model.Run) error {
		from = r.Status
		fn(&r.Metrics)
		if r.Status == model.RunStatusScheduled {
			r.Status = model.RunStatusSending
		}
		return nil
	})
	if err != nil {
		return err
	}
	if from == model.RunStatusScheduled {
		e.runs.Event(ctx, runID, model.EventRunTransition, map[string]any{
			"from": model.RunStatusScheduled,
			"to":   model.RunStatusSending,
		})
	}
	return nil
}

// cancelRemaining cancels a lead's scheduled steps.
func (e *Engine) cancelRemaining(ctx context.Context, runID, leadID, reason string) (int, error) {
	n, err := e.store.CancelScheduledMessages(ctx, runID, leadID, e.now())
	if err != nil {
		return 0, eris.Wrapf(err, "outreach: cancel messages of lead %s", leadID)
	}
	if n > 0 {
		e.runs.Event(ctx, runID, model.EventMessagesCanceled, map[string]any{
			"lead_id": leadID,
			"count":   n,
			"reason":  reason,
		})
	}
	return n, nil
}

// afterDispatch re-arms dispatch for the next scheduled slot, or moves the
// run to monitoring once nothing is left to send or plan.
func (e *Engine) afterDispatch(ctx context.Context, runID string) error {
	run, ok, err := e.loadRun(ctx, runID)
	if err != nil || !ok || !run.Status.Sendable() {
		return err
	}
	now := e.now()

	next, err := e.store.NextScheduledAt(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "outreach: next send of run %s", runID)
	}
	if next != nil {
		at := *next
		if at.Before(now) {
			at = now
		}
		return e.rearm(ctx, runID, model.JobDispatchMessages, at, nil)
	}

	backlog, err := e.store.ListLeads(ctx, store.LeadFilter{RunID: runID, Status: model.LeadStatusNew, Limit: 1})
	if err != nil {
		return eris.Wrapf(err, "outreach: count unplanned leads of run %s", runID)
	}
	if len(backlog) > 0 {
		return e.rearm(ctx, runID, model.JobDispatchMessages, now.Add(e.opts.DispatchIdle), nil)
	}

	if _, err := e.runs.Advance(ctx, runID, model.RunStatusMonitoring, nil); err != nil {
		return err
	}
	if err := e.rearm(ctx, runID, model.JobSyncReplies, now, nil); err != nil {
		return err
	}
	return e.rearm(ctx, runID, model.JobAnalyzeRun, now, nil)
}
