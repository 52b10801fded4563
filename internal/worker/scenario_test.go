package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/anomaly"
	"github.com/sells-group/outreach-engine/internal/leads"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/outreach"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/provider/mocks"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
)

// env wires the real handlers to a pool over a SQLite store and a manual
// clock, with mocked providers.
type env struct {
	store   store.Store
	clock   *clock
	runs    *runstate.Machine
	pool    *Pool
	sourcer *mocks.MockSourcer
	sender  *mocks.MockSender
	replies *mocks.MockReplyPoller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	runs := runstate.New(s, q, nil, runstate.Options{MaxJobAttempts: 5})
	detector := anomaly.NewDetector(s, runs, anomaly.DefaultConfig(), anomaly.WithClock(c.now))

	e := &env{
		store:   s,
		clock:   c,
		runs:    runs,
		sourcer: mocks.NewMockSourcer(t),
		sender:  mocks.NewMockSender(t),
		replies: mocks.NewMockReplyPoller(t),
	}
	engine := outreach.New(s, q, runs, detector,
		provider.Set{Sourcer: e.sourcer, Sender: e.sender, Replies: e.replies},
		leads.NewPipeline(leads.DefaultRules(), true),
		outreach.Options{
			Now:               c.now,
			DispatchIdle:      5 * time.Minute,
			ReplySyncInterval: 6 * time.Hour,
			AnalyzeInterval:   6 * time.Hour,
		},
	)
	e.pool = New(q, engine, Options{Concurrency: 2, JobTimeout: time.Minute})
	e.replies.On("PollReplies", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	return e
}

func (e *env) launch(t *testing.T, n int) *model.Run {
	t.Helper()
	var rows []leads.RawLead
	for i := 1; i <= n; i++ {
		rows = append(rows, leads.RawLead{Email: fmt.Sprintf("lead%02d@northwind.io", i), Company: "Northwind"})
	}
	e.sourcer.On("SourceLeads", mock.Anything, "cfo fintech").Return(rows, nil).Once()

	run, err := e.runs.Launch(context.Background(), runstate.LaunchRequest{
		BrandID:     "brand-1",
		CampaignID:  "camp-1",
		AccountID:   "acct-1",
		Mailbox:     "sales@northwind.io",
		SourceQuery: "cfo fintech",
		Policy:      model.RunPolicy{DailyCap: 30, HourlyCap: 6, MinSpacingMinutes: 8}.WithDefaults(),
		Template: model.Template{Steps: []model.StepCopy{
			{Subject: "Hi", Body: "Quick question for {{company}}."},
			{Subject: "Re: Hi", Body: "Following up."},
			{Subject: "Last note", Body: "Closing the loop."},
		}},
	})
	require.NoError(t, err)
	return run
}

func (e *env) run(t *testing.T, id string) *model.Run {
	t.Helper()
	r, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (e *env) jobs(t *testing.T, runID string) []model.Job {
	t.Helper()
	jobs, err := e.store.ListJobs(context.Background(), runID, 100000)
	require.NoError(t, err)
	return jobs
}

// drive ticks the pool, jumping the clock to the next queued job whenever
// nothing is due, until done reports true.
func (e *env) drive(t *testing.T, runID string, done func() bool) {
	t.Helper()
	ctx := context.Background()
	for step := 0; step < 2000; step++ {
		if done() {
			return
		}
		n, err := e.pool.Tick(ctx)
		require.NoError(t, err)
		if n > 0 {
			continue
		}

		var next time.Time
		for _, j := range e.jobs(t, runID) {
			if j.Status == model.JobStatusQueued && (next.IsZero() || j.ExecuteAfter.Before(next)) {
				next = j.ExecuteAfter
			}
		}
		if next.IsZero() {
			if done() {
				return
			}
			t.Fatalf("run %s stalled with no queued jobs", runID)
		}
		if next.After(e.clock.now()) {
			e.clock.set(next)
		} else {
			e.clock.advance(time.Minute)
		}
	}
	t.Fatal("scenario did not settle")
}

func sentWith(prefix string) func(context.Context, string, model.Message, provider.Recipient) provider.SendResult {
	return func(_ context.Context, _ string, msg model.Message, _ provider.Recipient) provider.SendResult {
		return provider.SendResult{ProviderMessageID: prefix + msg.ID}
	}
}

func TestScenario_RunCompletesEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.sender.On("SendMessage", mock.Anything, "acct-1", mock.Anything, mock.Anything).
		Return(sentWith("pm-"), nil).Times(15)
	run := e.launch(t, 5)

	e.drive(t, run.ID, func() bool { return e.run(t, run.ID).Status == model.RunStatusCompleted })

	got := e.run(t, run.ID)
	assert.Equal(t, 5, got.Metrics.SourcedLeads)
	assert.Equal(t, 15, got.Metrics.ScheduledMessages)
	assert.Equal(t, 15, got.Metrics.SentMessages)
	require.NotNil(t, got.MonitoringSince)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(got.MonitoringSince.Add(72*time.Hour)))

	msgs, err := e.store.ListMessages(context.Background(), store.MessageFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 15)
	for _, m := range msgs {
		assert.Equal(t, model.MessageStatusSent, m.Status)
		require.NotNil(t, m.SentAt)
		assert.False(t, m.SentAt.Before(m.ScheduledAt), "message %s sent early", m.ID)
	}

	for _, j := range e.jobs(t, run.ID) {
		assert.LessOrEqual(t, j.Attempts, j.MaxAttempts)
		assert.NotEqual(t, model.JobStatusRunning, j.Status)
	}

	events, err := e.store.ListEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	var types []model.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, model.EventLeadsSourced)
	assert.Contains(t, types, model.EventRunCompleted)
}

func TestScenario_DispatchFailingFiveTimesKeepsRunGoing(t *testing.T) {
	e := newEnv(t)
	e.sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(provider.SendResult{}, resilience.NewTransientError(fmt.Errorf("provider returned 503"), 503)).Times(5)
	run := e.launch(t, 1)

	failedDispatch := func() *model.Job {
		for _, j := range e.jobs(t, run.ID) {
			if j.Type == model.JobDispatchMessages && j.Status == model.JobStatusFailed {
				return &j
			}
		}
		return nil
	}
	e.drive(t, run.ID, func() bool { return failedDispatch() != nil })

	failed := failedDispatch()
	assert.Equal(t, 5, failed.Attempts)
	assert.Contains(t, failed.LastError, "503")

	got := e.run(t, run.ID)
	assert.Equal(t, model.RunStatusScheduled, got.Status, "terminal dispatch failure leaves the run state alone")
	assert.Contains(t, got.LastError, "dispatch_messages")
	assert.Zero(t, got.Metrics.SentMessages)

	var rearmed bool
	for _, j := range e.jobs(t, run.ID) {
		if j.Type == model.JobDispatchMessages && j.Status == model.JobStatusQueued {
			rearmed = true
		}
	}
	assert.True(t, rearmed, "dispatch re-armed on its next interval")

	msgs, err := e.store.ListMessages(context.Background(), store.MessageFilter{RunID: run.ID})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, model.MessageStatusScheduled, m.Status)
	}
}

func TestScenario_PauseAndResumeFromSending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(sentWith("pm-"), nil).Times(6)
	run := e.launch(t, 2)

	e.drive(t, run.ID, func() bool { return e.run(t, run.ID).Metrics.SentMessages == 1 })
	require.Equal(t, model.RunStatusSending, e.run(t, run.ID).Status)

	paused, err := e.runs.Pause(ctx, run.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, paused.Status)

	until := e.clock.now().Add(24 * time.Hour)
	e.drive(t, run.ID, func() bool { return !e.clock.now().Before(until) })

	got := e.run(t, run.ID)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.Equal(t, 1, got.Metrics.SentMessages, "nothing sent while paused")

	resumed, err := e.runs.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSending, resumed.Status)

	e.drive(t, run.ID, func() bool { return e.run(t, run.ID).Status == model.RunStatusCompleted })
	assert.Equal(t, 6, e.run(t, run.ID).Metrics.SentMessages)
}
