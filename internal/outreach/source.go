package outreach

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/schedule"
	"github.com/sells-group/outreach-engine/internal/store"
)

// SchedulePayload is the payload of schedule_messages jobs.
type SchedulePayload struct {
	Limit int `json:"limit,omitempty"`
}

// sourceLeads fetches raw leads for the run's query, runs them through the
// suppression pipeline and stores the result. Suppressed leads are stored
// too so the decision stays auditable.
func (e *Engine) sourceLeads(ctx context.Context, job *model.Job) error {
	run, ok, err := e.loadRun(ctx, job.RunID)
	if err != nil || !ok {
		return err
	}
	if run.Status == model.RunStatusQueued {
		if run, err = e.runs.Advance(ctx, run.ID, model.RunStatusSourcing, nil); err != nil {
			return err
		}
	}
	if run.Status != model.RunStatusSourcing {
		return nil
	}
	if e.providers.Sourcer == nil {
		return eris.New("outreach: no lead sourcer configured")
	}

	rows, err := e.providers.Sourcer.SourceLeads(ctx, run.SourceQuery)
	if err != nil {
		return eris.Wrap(err, "outreach: source leads")
	}
	res := e.pipeline.Process(run.ID, rows)

	inserted, err := e.store.UpsertLeads(ctx, res.Leads)
	if err != nil {
		return eris.Wrapf(err, "outreach: store leads of run %s", run.ID)
	}

	// Counts are set, not added, so a retried job reports the same totals.
	if _, err := e.runs.Update(ctx, run.ID, func(r *model.Run) error {
		r.Metrics.SourcedLeads = res.Stats.Accepted
		r.Metrics.SuppressedLeads = res.Stats.Suppressed
		r.Metrics.DuplicateLeads = res.Stats.Duplicates
		return nil
	}); err != nil {
		return err
	}

	e.runs.Event(ctx, run.ID, model.EventLeadsSourced, map[string]any{
		"raw":        res.Stats.Raw,
		"accepted":   res.Stats.Accepted,
		"suppressed": res.Stats.Suppressed,
		"duplicates": res.Stats.Duplicates,
		"inserted":   inserted,
		"reasons":    res.Stats.Reasons,
	})
	e.log.Info("leads sourced",
		zap.String("run_id", run.ID),
		zap.Int("raw", res.Stats.Raw),
		zap.Int("accepted", res.Stats.Accepted),
		zap.Int("suppressed", res.Stats.Suppressed),
		zap.Int("duplicates", res.Stats.Duplicates),
	)

	_, _, err = e.queue.EnqueueOnce(ctx, queue.Spec{
		RunID:       run.ID,
		Type:        model.JobScheduleMessages,
		Payload:     SchedulePayload{Limit: e.opts.ScheduleBatchSize},
		MaxAttempts: e.opts.MaxJobAttempts,
	})
	return err
}

// scheduleMessages plans every cadence step for up to Limit unplanned leads
// and inserts the messages. Leftover leads get another schedule job.
func (e *Engine) scheduleMessages(ctx context.Context, job *model.Job) error {
	run, ok, err := e.loadRun(ctx, job.RunID)
	if err != nil || !ok {
		return err
	}
	switch run.Status {
	case model.RunStatusSourcing, model.RunStatusScheduled, model.RunStatusSending:
	default:
		return nil
	}

	var payload SchedulePayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = e.opts.ScheduleBatchSize
	}

	candidates, err := e.store.ListLeads(ctx, store.LeadFilter{RunID: run.ID, Status: model.LeadStatusNew, Limit: limit})
	if err != nil {
		return eris.Wrapf(err, "outreach: list new leads of run %s", run.ID)
	}
	existing, err := e.store.ListMessages(ctx, store.MessageFilter{RunID: run.ID, ExcludeCanceled: true})
	if err != nil {
		return eris.Wrapf(err, "outreach: list messages of run %s", run.ID)
	}

	now := e.now()
	plan, err := schedule.Build(schedule.Input{
		RunID:    run.ID,
		Policy:   run.Policy,
		Template: run.Template,
		Now:      now,
		Leads:    candidates,
		Existing: existing,
		Limit:    limit,
	})
	if err != nil {
		return eris.Wrapf(err, "outreach: plan run %s", run.ID)
	}

	inserted, err := e.store.InsertMessages(ctx, plan.Messages)
	if err != nil {
		return eris.Wrapf(err, "outreach: insert messages of run %s", run.ID)
	}
	for _, id := range plan.Planned {
		if err := e.store.UpdateLeadStatus(ctx, id, model.LeadStatusScheduled, now); err != nil {
			return eris.Wrapf(err, "outreach: mark lead %s scheduled", id)
		}
	}

	addScheduled := func(r *model.Run) { r.Metrics.ScheduledMessages += inserted }
	if run.Status == model.RunStatusSourcing {
		_, err = e.runs.Advance(ctx, run.ID, model.RunStatusScheduled, addScheduled)
	} else {
		_, err = e.runs.Update(ctx, run.ID, func(r *model.Run) error {
			addScheduled(r)
			return nil
		})
	}
	if err != nil {
		return err
	}

	backlog, err := e.store.ListLeads(ctx, store.LeadFilter{RunID: run.ID, Status: model.LeadStatusNew, Limit: 1})
	if err != nil {
		return eris.Wrapf(err, "outreach: count unplanned leads of run %s", run.ID)
	}

	e.runs.Event(ctx, run.ID, model.EventMessagesScheduled, map[string]any{
		"messages": inserted,
		"leads":    len(plan.Planned),
		"more":     len(backlog) > 0,
	})
	e.log.Info("messages scheduled",
		zap.String("run_id", run.ID),
		zap.Int("messages", inserted),
		zap.Int("leads", len(plan.Planned)),
		zap.Bool("more", len(backlog) > 0),
	)

	if len(backlog) > 0 {
		if err := e.rearm(ctx, run.ID, model.JobScheduleMessages, now, SchedulePayload{Limit: limit}); err != nil {
			return err
		}
	}

	dispatchAt := now
	next, err := e.store.NextScheduledAt(ctx, run.ID)
	if err != nil {
		return eris.Wrapf(err, "outreach: next send of run %s", run.ID)
	}
	if next != nil && next.After(now) {
		dispatchAt = *next
	}
	if err := e.rearm(ctx, run.ID, model.JobDispatchMessages, dispatchAt, nil); err != nil {
		return err
	}
	if err := e.rearm(ctx, run.ID, model.JobSyncReplies, now.Add(e.opts.ReplySyncInterval), nil); err != nil {
		return err
	}
	return e.rearm(ctx, run.ID, model.JobAnalyzeRun, now.Add(e.opts.AnalyzeInterval), nil)
}
