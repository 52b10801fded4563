package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// Monday 2026-03-02 09:00 UTC.
var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type terminal struct {
	job   model.Job
	cause error
}

// stubHandler records calls and delegates to fn.
type stubHandler struct {
	fn func(ctx context.Context, job *model.Job) error

	mu       sync.Mutex
	handled  []string
	terminal []terminal
}

func (h *stubHandler) Handle(ctx context.Context, job *model.Job) error {
	h.mu.Lock()
	h.handled = append(h.handled, job.ID)
	h.mu.Unlock()
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, job)
}

func (h *stubHandler) OnTerminalFailure(_ context.Context, job *model.Job, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminal = append(h.terminal, terminal{job: *job, cause: cause})
	return nil
}

func (h *stubHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newTestQueue(t *testing.T, now func() time.Time) (store.Store, *queue.Queue) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s, queue.New(s, queue.Options{Now: now})
}

func enqueue(t *testing.T, q *queue.Queue, runID string, typ model.JobType, maxAttempts int) *model.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), queue.Spec{RunID: runID, Type: typ, MaxAttempts: maxAttempts})
	require.NoError(t, err)
	return job
}

func getJob(t *testing.T, s store.Store, runID, jobID string) model.Job {
	t.Helper()
	jobs, err := s.ListJobs(context.Background(), runID, 0)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == jobID {
			return j
		}
	}
	t.Fatalf("job %s not found", jobID)
	return model.Job{}
}

func TestTick_CompletesDueJobs(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{}
	p := New(q, h, Options{Concurrency: 2})

	var ids []string
	for i := 1; i <= 3; i++ {
		runID := fmt.Sprintf("run-%d", i)
		ids = append(ids, enqueue(t, q, runID, model.JobAnalyzeRun, 0).ID)
	}

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i, id := range ids {
		assert.Equal(t, model.JobStatusCompleted, getJob(t, s, fmt.Sprintf("run-%d", i+1), id).Status)
	}

	n, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_SkipsFutureJobs(t *testing.T) {
	c := &clock{t: start}
	_, q := newTestQueue(t, c.now)
	h := &stubHandler{}
	p := New(q, h, Options{})

	_, err := q.Enqueue(context.Background(), queue.Spec{
		RunID:        "run-1",
		Type:         model.JobDispatchMessages,
		ExecuteAfter: start.Add(time.Hour),
	})
	require.NoError(t, err)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(time.Hour)
	n, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTick_RetriesWithBackoff(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		return fmt.Errorf("mailbox unavailable")
	}}
	p := New(q, h, Options{})
	job := enqueue(t, q, "run-1", model.JobSyncReplies, 5)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "mailbox unavailable", got.LastError)
	assert.True(t, got.ExecuteAfter.Equal(start.Add(resilience.JobBackoff(1))))
	assert.Empty(t, h.terminal)
}

func TestTick_AttemptsNeverExceedMax(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		return fmt.Errorf("provider down")
	}}
	p := New(q, h, Options{})
	job := enqueue(t, q, "run-1", model.JobDispatchMessages, 3)

	for i := 0; i < 10; i++ {
		_, err := p.Tick(context.Background())
		require.NoError(t, err)
		c.advance(time.Hour)
	}

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, h.handledCount())
	require.Len(t, h.terminal, 1)
	assert.Equal(t, job.ID, h.terminal[0].job.ID)
	assert.EqualError(t, h.terminal[0].cause, "provider down")
}

func TestTick_PermanentErrorIsTerminal(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		return resilience.NewPermanentError(fmt.Errorf("bad query"), "rejected")
	}}
	p := New(q, h, Options{})
	job := enqueue(t, q, "run-1", model.JobSourceLeads, 5)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.Len(t, h.terminal, 1)
	assert.Equal(t, model.JobStatusFailed, h.terminal[0].job.Status)
}

func TestTick_CanceledRunFailsInFlightJob(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	run := &model.Run{BrandID: "brand-1", AccountID: "acct-1", Status: model.RunStatusSending}
	require.NoError(t, s.CreateRun(context.Background(), run))

	h := &stubHandler{fn: func(ctx context.Context, job *model.Job) error {
		r, err := s.GetRun(ctx, job.RunID)
		if err != nil {
			return err
		}
		r.Status = model.RunStatusCanceled
		if err := s.UpdateRun(ctx, r); err != nil {
			return err
		}
		return fmt.Errorf("provider unavailable")
	}}
	p := New(q, h, Options{})
	job := enqueue(t, q, run.ID, model.JobDispatchMessages, 5)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	got := getJob(t, s, run.ID, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "run canceled", got.LastError)
	assert.Empty(t, h.terminal, "a stopped run owes no failure policy")

	c.advance(time.Hour)
	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_RecoversHandlerPanic(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		panic("nil template")
	}}
	p := New(q, h, Options{})
	job := enqueue(t, q, "run-1", model.JobScheduleMessages, 5)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Contains(t, got.LastError, "panicked: nil template")
}

func TestTick_JobTimeout(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{fn: func(ctx context.Context, _ *model.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	p := New(q, h, Options{JobTimeout: 20 * time.Millisecond})
	job := enqueue(t, q, "run-1", model.JobDispatchMessages, 5)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Contains(t, got.LastError, "deadline exceeded")
}

func TestTick_OneJobPerRun(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)

	var inFlight, peak atomic.Int32
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	p := New(q, h, Options{Concurrency: 4})
	first := enqueue(t, q, "run-1", model.JobDispatchMessages, 0)
	second := enqueue(t, q, "run-1", model.JobSyncReplies, 0)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.JobStatusCompleted, getJob(t, s, "run-1", first.ID).Status)
	assert.Equal(t, model.JobStatusQueued, getJob(t, s, "run-1", second.ID).Status)

	n, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, peak.Load())
}

func TestTick_BoundedConcurrency(t *testing.T) {
	c := &clock{t: start}
	_, q := newTestQueue(t, c.now)

	var inFlight, peak atomic.Int32
	h := &stubHandler{fn: func(context.Context, *model.Job) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	p := New(q, h, Options{Concurrency: 2})
	for i := 1; i <= 6; i++ {
		enqueue(t, q, fmt.Sprintf("run-%d", i), model.JobAnalyzeRun, 0)
	}

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestReap_RequeuesStaleJob(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{}
	p := New(q, h, Options{JobTimeout: time.Minute, LeaseTTL: 10 * time.Minute})

	job := enqueue(t, q, "run-1", model.JobDispatchMessages, 5)
	_, err := q.Claim(context.Background(), job)
	require.NoError(t, err)

	c.advance(5 * time.Minute)
	n, err := p.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	c.advance(6 * time.Minute)
	n, err = p.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := getJob(t, s, "run-1", job.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Contains(t, got.LastError, "lease expired")
	assert.Empty(t, h.terminal)
}

func TestReap_TerminalStaleJobAppliesPolicy(t *testing.T) {
	c := &clock{t: start}
	s, q := newTestQueue(t, c.now)
	h := &stubHandler{}
	p := New(q, h, Options{JobTimeout: time.Minute, LeaseTTL: 10 * time.Minute})

	job := enqueue(t, q, "run-1", model.JobSourceLeads, 1)
	_, err := q.Claim(context.Background(), job)
	require.NoError(t, err)
	c.advance(time.Hour)

	n, err := p.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.JobStatusFailed, getJob(t, s, "run-1", job.ID).Status)
	require.Len(t, h.terminal, 1)
	assert.ErrorIs(t, h.terminal[0].cause, queue.ErrLeaseExpired)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, q := newTestQueue(t, nil)
	h := &stubHandler{}
	p := New(q, h, Options{PollInterval: 5 * time.Millisecond})
	job := enqueue(t, q, "run-1", model.JobAnalyzeRun, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return getJob(t, s, "run-1", job.ID).Status == model.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{JobTimeout: 10 * time.Minute, LeaseTTL: time.Minute}.withDefaults()
	assert.Equal(t, 2*time.Second, o.PollInterval)
	assert.Equal(t, 4, o.Concurrency)
	assert.Equal(t, 32, o.BatchSize)
	assert.Equal(t, 20*time.Minute, o.LeaseTTL, "lease never shorter than the job timeout")
}

func TestOptionsFrom_Config(t *testing.T) {
	o := OptionsFrom(config.WorkerConfig{
		PollIntervalMs: 500,
		Concurrency:    8,
		BatchSize:      64,
		JobTimeoutSecs: 60,
		LeaseTTLSecs:   600,
	})
	assert.Equal(t, 500*time.Millisecond, o.PollInterval)
	assert.Equal(t, 8, o.Concurrency)
	assert.Equal(t, 64, o.BatchSize)
	assert.Equal(t, time.Minute, o.JobTimeout)
	assert.Equal(t, 10*time.Minute, o.LeaseTTL)
}
