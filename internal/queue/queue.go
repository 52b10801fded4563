// Package queue is the durable, retryable job queue bound to runs. It is the
// only writer of job state and appends an event on every transition.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/store"
)

// ErrLeaseExpired is recorded on running jobs reclaimed by ReapStale.
var ErrLeaseExpired = eris.New("queue: job lease expired")

// Options tunes a Queue.
type Options struct {
	// Backoff maps the number of failed attempts to the retry delay.
	// Default: resilience.JobBackoff.
	Backoff resilience.BackoffPolicy
	// DefaultMaxAttempts applies when Enqueue gets no explicit limit.
	DefaultMaxAttempts int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Queue wraps the job methods of a store.
type Queue struct {
	store       store.Store
	backoff     resilience.BackoffPolicy
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

// New creates a Queue over s.
func New(s store.Store, opts Options) *Queue {
	if opts.Backoff == nil {
		opts.Backoff = resilience.JobBackoff
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = model.DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:       s,
		backoff:     opts.Backoff,
		maxAttempts: opts.DefaultMaxAttempts,
		now:         opts.Now,
		log:         zap.L().With(zap.String("component", "queue")),
	}
}

// Now returns the queue clock in UTC.
func (q *Queue) Now() time.Time {
	return q.now().UTC()
}

// Spec describes a job to enqueue.
type Spec struct {
	RunID string
	Type  model.JobType
	// ExecuteAfter is the earliest dispatch time; zero means now.
	ExecuteAfter time.Time
	// Payload is marshaled to JSON when set.
	Payload     any
	MaxAttempts int
}

// Enqueue creates a queued job.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (*model.Job, error) {
	job, err := q.build(spec)
	if err != nil {
		return nil, err
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "queue: enqueue %s", spec.Type)
	}
	q.record(ctx, job, model.EventJobEnqueued, "queued", nil)
	return job, nil
}

// EnqueueOnce enqueues spec unless the run already has a queued job of the
// same type. An existing job that has not failed yet is pulled forward when
// spec is due earlier. It reports whether a job was created.
func (q *Queue) EnqueueOnce(ctx context.Context, spec Spec) (*model.Job, bool, error) {
	job, err := q.build(spec)
	if err != nil {
		return nil, false, err
	}
	ok, err := q.store.EnqueueJobOnce(ctx, job)
	if err != nil {
		return nil, false, eris.Wrapf(err, "queue: enqueue once %s", spec.Type)
	}
	if !ok {
		moved, err := q.store.AdvanceQueuedJob(ctx, job.RunID, job.Type, job.ExecuteAfter, q.Now())
		if err != nil {
			return nil, false, eris.Wrapf(err, "queue: advance %s", spec.Type)
		}
		if moved {
			q.log.Debug("queued job pulled forward",
				zap.String("run_id", job.RunID),
				zap.String("job_type", string(job.Type)),
				zap.Time("execute_after", job.ExecuteAfter),
			)
		}
		return nil, false, nil
	}
	q.record(ctx, job, model.EventJobEnqueued, "queued", nil)
	return job, true, nil
}

func (q *Queue) build(spec Spec) (*model.Job, error) {
	if spec.RunID == "" {
		return nil, eris.New("queue: run id is required")
	}
	if _, err := model.ParseJobType(string(spec.Type)); err != nil {
		return nil, err
	}
	now := q.Now()
	job := &model.Job{
		RunID:        spec.RunID,
		Type:         spec.Type,
		Status:       model.JobStatusQueued,
		ExecuteAfter: spec.ExecuteAfter.UTC(),
		MaxAttempts:  spec.MaxAttempts,
		CreatedAt:    now,
	}
	if spec.ExecuteAfter.IsZero() {
		job.ExecuteAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if spec.Payload != nil {
		raw, err := json.Marshal(spec.Payload)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: marshal %s payload", spec.Type)
		}
		job.Payload = raw
	}
	return job, nil
}

// ListDue returns queued jobs due now, earliest first with creation order
// breaking ties.
func (q *Queue) ListDue(ctx context.Context, limit int) ([]model.Job, error) {
	jobs, err := q.store.ListDueJobs(ctx, q.Now(), limit)
	return jobs, eris.Wrap(err, "queue: list due")
}

// Claim moves job from queued to running and counts the attempt. It returns
// an error wrapping store.ErrNotClaimed when the job is gone, already taken,
// or a sibling job of the same run is running.
func (q *Queue) Claim(ctx context.Context, job *model.Job) (*model.Job, error) {
	claimed, err := q.store.ClaimJob(ctx, job.ID, q.Now())
	if err != nil {
		return nil, eris.Wrapf(err, "queue: claim %s", job.ID)
	}
	q.record(ctx, claimed, model.EventJobStarted, "running", nil)
	return claimed, nil
}

// MarkCompleted finishes a running job.
func (q *Queue) MarkCompleted(ctx context.Context, job *model.Job) error {
	if err := q.store.CompleteJob(ctx, job.ID, q.Now()); err != nil {
		return eris.Wrapf(err, "queue: complete %s", job.ID)
	}
	job.Status = model.JobStatusCompleted
	q.record(ctx, job, model.EventJobCompleted, "completed", nil)
	return nil
}

// FailResult reports what MarkFailed did with a job.
type FailResult struct {
	Job model.Job
	// Terminal is set when the job will not run again.
	Terminal bool
	// RetryAt is the new executeAfter of a re-queued job.
	RetryAt time.Time
	// RunStopped is set when the job failed because its run had already
	// reached a terminal state. No failure handling is owed to the run.
	RunStopped bool
}

// MarkFailed records cause on a running job. The job is re-queued with
// backoff while attempts < maxAttempts and cause is not permanent;
// otherwise it fails terminally. A job whose run is already terminal is
// never re-queued.
func (q *Queue) MarkFailed(ctx context.Context, job *model.Job, cause error) (FailResult, error) {
	now := q.Now()
	msg := errorText(cause)
	res := FailResult{Job: *job}

	run, err := q.store.GetRun(ctx, job.RunID)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return res, eris.Wrapf(err, "queue: load run %s", job.RunID)
	}
	if run != nil && run.Status.Terminal() {
		reason := "run " + string(run.Status)
		if err := q.store.FailJob(ctx, job.ID, reason, now); err != nil {
			return res, eris.Wrapf(err, "queue: fail %s", job.ID)
		}
		res.Job.Status = model.JobStatusFailed
		res.Job.LastError = reason
		res.Terminal = true
		res.RunStopped = true
		q.record(ctx, &res.Job, model.EventJobFailed, "failed", map[string]any{
			"error": reason,
			"cause": msg,
		})
		q.log.Info("job of stopped run failed",
			zap.String("run_id", job.RunID),
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Error(cause),
		)
		return res, nil
	}

	if job.Attempts < job.MaxAttempts && !resilience.IsPermanent(cause) {
		retryAt := now.Add(q.backoff(job.Attempts))
		if err := q.store.RequeueJob(ctx, job.ID, retryAt, msg, now); err != nil {
			return res, eris.Wrapf(err, "queue: requeue %s", job.ID)
		}
		res.Job.Status = model.JobStatusQueued
		res.Job.ExecuteAfter = retryAt
		res.Job.LastError = msg
		res.RetryAt = retryAt
		q.record(ctx, &res.Job, model.EventJobRetrying, "retrying", map[string]any{
			"error":         msg,
			"execute_after": retryAt,
		})
		q.log.Warn("job failed, retrying",
			zap.String("run_id", job.RunID),
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Int("attempt", job.Attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(cause),
		)
		return res, nil
	}

	if err := q.store.FailJob(ctx, job.ID, msg, now); err != nil {
		return res, eris.Wrapf(err, "queue: fail %s", job.ID)
	}
	res.Job.Status = model.JobStatusFailed
	res.Job.LastError = msg
	res.Terminal = true
	q.record(ctx, &res.Job, model.EventJobFailed, "failed", map[string]any{"error": msg})
	q.log.Error("job failed terminally",
		zap.String("run_id", job.RunID),
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
		zap.Error(cause),
	)
	return res, nil
}

// FailQueued terminally fails every queued job of a run with reason.
func (q *Queue) FailQueued(ctx context.Context, runID, reason string) (int, error) {
	n, err := q.store.FailQueuedJobs(ctx, runID, reason, q.Now())
	if err != nil {
		return 0, eris.Wrapf(err, "queue: fail queued jobs of run %s", runID)
	}
	if n > 0 {
		e := model.NewEvent(runID, model.EventJobFailed, map[string]any{
			"outcome": "failed",
			"reason":  reason,
			"count":   n,
		})
		q.append(ctx, &e)
	}
	return n, nil
}

// ReapStale treats running jobs whose lease is older than leaseTTL as a
// failed attempt. It returns the outcome for each reaped job.
func (q *Queue) ReapStale(ctx context.Context, leaseTTL time.Duration) ([]FailResult, error) {
	stale, err := q.store.ListStaleJobs(ctx, q.Now().Add(-leaseTTL))
	if err != nil {
		return nil, eris.Wrap(err, "queue: list stale jobs")
	}
	var out []FailResult
	for i := range stale {
		res, err := q.MarkFailed(ctx, &stale[i], ErrLeaseExpired)
		if err != nil {
			// Another worker may have finished the job in the meantime.
			if eris.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (q *Queue) record(ctx context.Context, job *model.Job, typ model.EventType, outcome string, extra map[string]any) {
	payload := map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempts,
		"outcome":  outcome,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e := model.NewEvent(job.RunID, typ, payload)
	q.append(ctx, &e)
}

// append writes an audit event. A failed event write is logged and never
// fails the transition it describes.
func (q *Queue) append(ctx context.Context, e *model.Event) {
	if err := q.store.AppendEvent(ctx, e); err != nil {
		q.log.Error("append job event",
			zap.String("run_id", e.RunID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err),
		)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
