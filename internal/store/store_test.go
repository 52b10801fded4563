package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRun() *model.Run {
	return &model.Run{
		BrandID:      "brand-1",
		CampaignID:   "camp-1",
		ExperimentID: "exp-1",
		AccountID:    "acct-1",
		Mailbox:      "replies@acme.com",
		SourceQuery:  "cfo fintech",
		Status:       model.RunStatusQueued,
		Policy: model.RunPolicy{
			DailyCap: 30, HourlyCap: 6, Timezone: "UTC", MinSpacingMinutes: 8,
			Cadence: model.DefaultCadence(),
		},
		Template: model.Template{Steps: []model.StepCopy{{Subject: "Hi", Body: "Hello"}}},
	}
}

func seedRun(t *testing.T, s Store) *model.Run {
	t.Helper()
	run := testRun()
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedLeads(t *testing.T, s Store, runID string, emails ...string) []model.RunLead {
	t.Helper()
	leads := make([]model.RunLead, len(emails))
	for i, e := range emails {
		leads[i] = model.RunLead{RunID: runID, Email: e}
	}
	_, err := s.UpsertLeads(context.Background(), leads)
	require.NoError(t, err)
	got, err := s.ListLeads(context.Background(), LeadFilter{RunID: runID})
	require.NoError(t, err)
	return got
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := seedRun(t, s)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, int64(0), run.Version)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, model.RunStatusQueued, got.Status)
		assert.Equal(t, "exp-1", got.ExperimentID)
		assert.Equal(t, 6, got.Policy.HourlyCap)
		assert.Equal(t, 3, got.Policy.Cadence.Len())
		assert.Equal(t, "Hi", got.Template.ForStep(1).Subject)
		assert.Nil(t, got.LaunchedAt)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("UpdateRunCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		stale, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)

		now := time.Now().UTC()
		run.Status = model.RunStatusSourcing
		run.LaunchedAt = &now
		run.Metrics.SourcedLeads = 12
		require.NoError(t, s.UpdateRun(ctx, run))
		assert.Equal(t, int64(1), run.Version)

		stale.Status = model.RunStatusCanceled
		err = s.UpdateRun(ctx, stale)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersionConflict))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSourcing, got.Status)
		assert.Equal(t, 12, got.Metrics.SourcedLeads)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.LaunchedAt)
		assert.WithinDuration(t, now, *got.LaunchedAt, time.Microsecond)
	})

	t.Run("ListRunsActiveOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		active := seedRun(t, s)
		done := seedRun(t, s)
		done.Status = model.RunStatusCompleted
		require.NoError(t, s.UpdateRun(ctx, done))

		runs, err := s.ListRuns(ctx, RunFilter{ExperimentID: "exp-1", ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, active.ID, runs[0].ID)

		all, err := s.ListRuns(ctx, RunFilter{CampaignID: "camp-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		byStatus, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusCompleted})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, done.ID, byStatus[0].ID)
	})

	t.Run("JobLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		now := time.Now().UTC()

		job := &model.Job{RunID: run.ID, Type: model.JobSourceLeads, Payload: []byte(`{"limit":5}`)}
		require.NoError(t, s.EnqueueJob(ctx, job))
		assert.Equal(t, model.JobStatusQueued, job.Status)
		assert.Equal(t, model.DefaultMaxAttempts, job.MaxAttempts)

		due, err := s.ListDueJobs(ctx, now.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		claimed, err := s.ClaimJob(ctx, job.ID, now)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.JSONEq(t, `{"limit":5}`, string(claimed.Payload))

		_, err = s.ClaimJob(ctx, job.ID, now)
		assert.True(t, errors.Is(err, ErrNotClaimed))

		require.NoError(t, s.RequeueJob(ctx, job.ID, now.Add(2*time.Minute), "boom", now))
		due, err = s.ListDueJobs(ctx, now.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		claimed, err = s.ClaimJob(ctx, job.ID, now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
		assert.Equal(t, "boom", claimed.LastError)

		require.NoError(t, s.CompleteJob(ctx, job.ID, now))
		err = s.CompleteJob(ctx, job.ID, now)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
	})

	t.Run("ListDueJobsOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		base := time.Now().UTC().Add(-time.Hour)

		later := &model.Job{RunID: run.ID, Type: model.JobAnalyzeRun, ExecuteAfter: base.Add(time.Minute)}
		first := &model.Job{RunID: run.ID, Type: model.JobSyncReplies, ExecuteAfter: base}
		tie := &model.Job{RunID: run.ID, Type: model.JobDispatchMessages, ExecuteAfter: base}
		future := &model.Job{RunID: run.ID, Type: model.JobScheduleMessages, ExecuteAfter: base.Add(2 * time.Hour)}
		for _, j := range []*model.Job{later, first, tie, future} {
			require.NoError(t, s.EnqueueJob(ctx, j))
		}

		due, err := s.ListDueJobs(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, first.ID, due[0].ID)
		assert.Equal(t, tie.ID, due[1].ID)
		assert.Equal(t, later.ID, due[2].ID)
	})

	t.Run("ClaimRefusesSecondJobOfRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		other := seedRun(t, s)
		now := time.Now().UTC()

		a := &model.Job{RunID: run.ID, Type: model.JobDispatchMessages}
		b := &model.Job{RunID: run.ID, Type: model.JobSyncReplies}
		c := &model.Job{RunID: other.ID, Type: model.JobSyncReplies}
		for _, j := range []*model.Job{a, b, c} {
			require.NoError(t, s.EnqueueJob(ctx, j))
		}

		_, err := s.ClaimJob(ctx, a.ID, now)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, b.ID, now)
		assert.True(t, errors.Is(err, ErrNotClaimed))
		_, err = s.ClaimJob(ctx, c.ID, now)
		assert.NoError(t, err)

		require.NoError(t, s.CompleteJob(ctx, a.ID, now))
		_, err = s.ClaimJob(ctx, b.ID, now)
		assert.NoError(t, err)
	})

	t.Run("EnqueueJobOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		ok, err := s.EnqueueJobOnce(ctx, &model.Job{RunID: run.ID, Type: model.JobAnalyzeRun})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.EnqueueJobOnce(ctx, &model.Job{RunID: run.ID, Type: model.JobAnalyzeRun})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.EnqueueJobOnce(ctx, &model.Job{RunID: run.ID, Type: model.JobSyncReplies})
		require.NoError(t, err)
		assert.True(t, ok)

		jobs, err := s.ListJobs(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("AdvanceQueuedJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		now := time.Now().UTC().Truncate(time.Second)

		job := &model.Job{RunID: run.ID, Type: model.JobDispatchMessages, ExecuteAfter: now.Add(time.Hour)}
		require.NoError(t, s.EnqueueJob(ctx, job))

		moved, err := s.AdvanceQueuedJob(ctx, run.ID, model.JobDispatchMessages, now.Add(2*time.Hour), now)
		require.NoError(t, err)
		assert.False(t, moved, "later target")

		moved, err = s.AdvanceQueuedJob(ctx, run.ID, model.JobSyncReplies, now, now)
		require.NoError(t, err)
		assert.False(t, moved, "other job type")

		moved, err = s.AdvanceQueuedJob(ctx, run.ID, model.JobDispatchMessages, now.Add(10*time.Minute), now)
		require.NoError(t, err)
		assert.True(t, moved)
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, got.ExecuteAfter.Equal(now.Add(10*time.Minute)))

		// A job backing off after a failed attempt keeps its retry time.
		_, err = s.ClaimJob(ctx, job.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.RequeueJob(ctx, job.ID, now.Add(30*time.Minute), "503", now))
		moved, err = s.AdvanceQueuedJob(ctx, run.ID, model.JobDispatchMessages, now, now)
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("FailQueuedAndStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		past := time.Now().UTC().Add(-time.Hour)

		running := &model.Job{RunID: run.ID, Type: model.JobDispatchMessages}
		queued := &model.Job{RunID: run.ID, Type: model.JobSyncReplies}
		require.NoError(t, s.EnqueueJob(ctx, running))
		require.NoError(t, s.EnqueueJob(ctx, queued))
		_, err := s.ClaimJob(ctx, running.ID, past)
		require.NoError(t, err)

		stale, err := s.ListStaleJobs(ctx, time.Now().UTC().Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, running.ID, stale[0].ID)

		n, err := s.FailQueuedJobs(ctx, run.ID, "run canceled", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetJob(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, "run canceled", got.LastError)

		require.NoError(t, s.FailJob(ctx, running.ID, "lease expired", time.Now().UTC()))
	})

	t.Run("UpsertLeadsDedupAndBackfill", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		n, err := s.UpsertLeads(ctx, []model.RunLead{
			{RunID: run.ID, Email: "Jane@Acme.com", Name: "Jane"},
			{RunID: run.ID, Email: "bob@acme.com", Company: "Acme"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.UpsertLeads(ctx, []model.RunLead{
			{RunID: run.ID, Email: "jane@acme.com", Name: "Janet", Company: "Acme", Title: "CFO"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		jane, err := s.FindLeadByEmail(ctx, run.ID, "JANE@acme.com")
		require.NoError(t, err)
		assert.Equal(t, "jane@acme.com", jane.Email)
		assert.Equal(t, "Jane", jane.Name, "first seen wins")
		assert.Equal(t, "Acme", jane.Company, "missing fields are backfilled")
		assert.Equal(t, "CFO", jane.Title)

		leads, err := s.ListLeads(ctx, LeadFilter{RunID: run.ID, Status: model.LeadStatusNew})
		require.NoError(t, err)
		require.Len(t, leads, 2)
		assert.Equal(t, "jane@acme.com", leads[0].Email, "oldest first")

		require.NoError(t, s.UpdateLeadStatus(ctx, leads[1].ID, model.LeadStatusScheduled, time.Now()))
		leads, err = s.ListLeads(ctx, LeadFilter{RunID: run.ID, Status: model.LeadStatusNew})
		require.NoError(t, err)
		assert.Len(t, leads, 1)

		err = s.UpdateLeadStatus(ctx, "missing", model.LeadStatusSent, time.Now())
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("MessagesUniqueAndDue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		leads := seedLeads(t, s, run.ID, "a@acme.com", "b@acme.com")
		base := time.Now().UTC().Truncate(time.Second)

		msgs := []model.Message{
			{RunID: run.ID, LeadID: leads[0].ID, Step: 1, ScheduledAt: base.Add(-10 * time.Minute)},
			{RunID: run.ID, LeadID: leads[1].ID, Step: 1, ScheduledAt: base.Add(-2 * time.Minute)},
			{RunID: run.ID, LeadID: leads[0].ID, Step: 2, ScheduledAt: base.Add(72 * time.Hour)},
		}
		n, err := s.InsertMessages(ctx, msgs)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.InsertMessages(ctx, []model.Message{
			{RunID: run.ID, LeadID: leads[0].ID, Step: 1, ScheduledAt: base},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, n, "existing (lead, step) is skipped")

		due, err := s.ListDueMessages(ctx, run.ID, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, leads[0].ID, due[0].LeadID)

		next, err := s.NextScheduledAt(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(base.Add(-10*time.Minute)))

		sent := due[0]
		sentAt := base
		sent.Status = model.MessageStatusSent
		sent.SentAt = &sentAt
		sent.ProviderMessageID = "prov-1"
		require.NoError(t, s.UpdateMessage(ctx, &sent))

		byProvider, err := s.FindMessageByProviderID(ctx, run.ID, "prov-1")
		require.NoError(t, err)
		assert.Equal(t, sent.ID, byProvider.ID)
		assert.Equal(t, model.MessageStatusSent, byProvider.Status)
		require.NotNil(t, byProvider.SentAt)

		canceled, err := s.CancelScheduledMessages(ctx, run.ID, leads[0].ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, canceled)

		active, err := s.ListMessages(ctx, MessageFilter{RunID: run.ID, ExcludeCanceled: true})
		require.NoError(t, err)
		assert.Len(t, active, 2)

		canceled, err = s.CancelScheduledMessages(ctx, run.ID, "", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, canceled)

		next, err = s.NextScheduledAt(ctx, run.ID)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("ListSentTimes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		leads := seedLeads(t, s, run.ID, "a@acme.com", "b@acme.com", "c@acme.com")
		base := time.Now().UTC().Truncate(time.Second)

		var msgs []model.Message
		for _, l := range leads {
			msgs = append(msgs, model.Message{RunID: run.ID, LeadID: l.ID, Step: 1, ScheduledAt: base})
		}
		_, err := s.InsertMessages(ctx, msgs)
		require.NoError(t, err)
		stored, err := s.ListMessages(ctx, MessageFilter{RunID: run.ID})
		require.NoError(t, err)
		require.Len(t, stored, 3)

		sentAt := []time.Time{base.Add(-3 * time.Hour), base.Add(-8 * time.Minute)}
		for i, at := range sentAt {
			m := stored[i]
			at := at
			m.Status = model.MessageStatusSent
			m.SentAt = &at
			require.NoError(t, s.UpdateMessage(ctx, &m))
		}

		times, err := s.ListSentTimes(ctx, run.ID, base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, times, 1)
		assert.True(t, times[0].Equal(base.Add(-8*time.Minute)))

		times, err = s.ListSentTimes(ctx, run.ID, base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, times, 2)
		assert.True(t, times[0].Before(times[1]))
	})

	t.Run("Anomalies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		a := &model.Anomaly{
			RunID: run.ID, Type: model.AnomalyHardBounceRate, Severity: model.SeverityWarning,
			Status: model.AnomalyStatusActive, Threshold: 0.03, Observed: 0.05,
			Details: map[string]any{"sent": 40.0},
		}
		require.NoError(t, s.CreateAnomaly(ctx, a))

		a.Severity = model.SeverityCritical
		a.Observed = 0.1
		require.NoError(t, s.UpdateAnomaly(ctx, a))

		open, err := s.ListAnomalies(ctx, run.ID, true)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, model.SeverityCritical, open[0].Severity)
		assert.InDelta(t, 40.0, open[0].Details["sent"], 0.001)

		now := time.Now().UTC()
		a.Status = model.AnomalyStatusResolved
		a.ResolvedAt = &now
		require.NoError(t, s.UpdateAnomaly(ctx, a))

		open, err = s.ListAnomalies(ctx, run.ID, true)
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := s.GetAnomaly(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.Open())
	})

	t.Run("RepliesDedupe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		r := &model.Reply{RunID: run.ID, ProviderReplyID: "r-1", FromEmail: "a@acme.com", Sentiment: model.SentimentPositive}
		ok, err := s.InsertReply(ctx, r)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.InsertReply(ctx, &model.Reply{RunID: run.ID, ProviderReplyID: "r-1"})
		require.NoError(t, err)
		assert.False(t, ok)

		replies, err := s.ListReplies(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, replies, 1)
		assert.Equal(t, model.SentimentPositive, replies[0].Sentiment)
	})

	t.Run("EventsAppendOnlyOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		for _, typ := range []model.EventType{model.EventRunLaunched, model.EventJobEnqueued, model.EventRunTransition} {
			e := model.NewEvent(run.ID, typ, map[string]string{"k": "v"})
			require.NoError(t, s.AppendEvent(ctx, &e))
		}

		events, err := s.ListEvents(ctx, run.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, model.EventRunLaunched, events[0].Type)
		assert.Equal(t, model.EventRunTransition, events[2].Type)
		assert.JSONEq(t, `{"k":"v"}`, string(events[0].Payload))

		page, err := s.ListEvents(ctx, run.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, model.EventJobEnqueued, page[0].Type)
	})

	t.Run("MigrateIdempotent", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Migrate(context.Background()))
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
