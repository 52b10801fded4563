// Package outreach implements the job handlers that move a run from
// sourcing to completion: source_leads, schedule_messages,
// dispatch_messages, sync_replies and analyze_run.
package outreach

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-engine/internal/anomaly"
	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/leads"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
)

// Options tunes the handlers.
type Options struct {
	ScheduleBatchSize int
	DispatchBatchSize int
	SendTimeout       time.Duration
	// SendRate throttles provider sends across all runs. Zero disables it.
	SendRate float64
	// DispatchIdle is how long dispatch waits before re-checking a run that
	// has nothing scheduled yet but still has leads to plan.
	DispatchIdle      time.Duration
	ReplySyncInterval time.Duration
	AnalyzeInterval   time.Duration
	// MonitorWindow applies when the run policy does not set one.
	MonitorWindow  time.Duration
	MaxJobAttempts int
	Now            func() time.Time
}

// OptionsFrom builds Options from configuration.
func OptionsFrom(cfg config.OutreachConfig) Options {
	return Options{
		ScheduleBatchSize: cfg.ScheduleBatchSize,
		DispatchBatchSize: cfg.DispatchBatchSize,
		SendTimeout:       time.Duration(cfg.SendTimeoutSecs) * time.Second,
		SendRate:          cfg.SendRatePerSec,
		DispatchIdle:      time.Duration(cfg.DispatchIdleSecs) * time.Second,
		ReplySyncInterval: time.Duration(cfg.ReplySyncInterval) * time.Second,
		AnalyzeInterval:   time.Duration(cfg.AnalyzeIntervalSecs) * time.Second,
		MonitorWindow:     time.Duration(cfg.MonitorWindowHours) * time.Hour,
		MaxJobAttempts:    cfg.MaxJobAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.ScheduleBatchSize <= 0 {
		o.ScheduleBatchSize = 500
	}
	if o.DispatchBatchSize <= 0 {
		o.DispatchBatchSize = 25
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.DispatchIdle <= 0 {
		o.DispatchIdle = 5 * time.Minute
	}
	if o.ReplySyncInterval <= 0 {
		o.ReplySyncInterval = 10 * time.Minute
	}
	if o.AnalyzeInterval <= 0 {
		o.AnalyzeInterval = 15 * time.Minute
	}
	if o.MonitorWindow <= 0 {
		o.MonitorWindow = 72 * time.Hour
	}
	if o.MaxJobAttempts <= 0 {
		o.MaxJobAttempts = model.DefaultMaxAttempts
	}
	return o
}

// Engine executes queued jobs against the store and providers.
type Engine struct {
	store     store.Store
	queue     *queue.Queue
	runs      *runstate.Machine
	detector  *anomaly.Detector
	providers provider.Set
	pipeline  *leads.Pipeline
	opts      Options
	limiter   *rate.Limiter
	log       *zap.Logger
}

// New creates an Engine.
func New(
	s store.Store,
	q *queue.Queue,
	runs *runstate.Machine,
	detector *anomaly.Detector,
	providers provider.Set,
	pipeline *leads.Pipeline,
	opts Options,
) *Engine {
	opts = opts.withDefaults()
	if opts.Now == nil {
		opts.Now = q.Now
	}
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	return &Engine{
		store:     s,
		queue:     q,
		runs:      runs,
		detector:  detector,
		providers: providers,
		pipeline:  pipeline,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		log:       zap.L().With(zap.String("component", "outreach")),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// Handle executes one claimed job. A returned error is handed to the queue,
// which retries it unless it is permanent.
func (e *Engine) Handle(ctx context.Context, job *model.Job) error {
	log := e.log.With(
		zap.String("run_id", job.RunID),
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
	)
	start := time.Now()

	var err error
	switch job.Type {
	case model.JobSourceLeads:
		err = e.sourceLeads(ctx, job)
	case model.JobScheduleMessages:
		err = e.scheduleMessages(ctx, job)
	case model.JobDispatchMessages:
		err = e.dispatchMessages(ctx, job)
	case model.JobSyncReplies:
		err = e.syncReplies(ctx, job)
	case model.JobAnalyzeRun:
		err = e.analyzeRun(ctx, job)
	default:
		err = resilience.NewPermanentError(eris.Errorf("outreach: unknown job type %q", job.Type), "unknown_job")
	}

	if err != nil {
		log.Warn("job failed", zap.Int("attempt", job.Attempts), zap.Error(err))
		return err
	}
	log.Debug("job done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// OnTerminalFailure applies the run-level consequence of a job that
// exhausted its attempts. Sourcing and scheduling failures fail the run.
// Any other job records the error on the run and is re-armed on its normal
// interval so the run keeps its state.
func (e *Engine) OnTerminalFailure(ctx context.Context, job *model.Job, cause error) error {
	reason := fmt.Sprintf("%s: %v", job.Type, cause)
	if job.Type.RunFatal() {
		if _, err := e.runs.Fail(ctx, job.RunID, reason); err != nil && !eris.Is(err, runstate.ErrTerminal) {
			return err
		}
		return nil
	}

	if err := e.runs.RecordError(ctx, job.RunID, reason); err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		return eris.Wrapf(err, "outreach: load run %s", job.RunID)
	}
	if run.Status.Terminal() {
		return nil
	}
	if job.Type == model.JobDispatchMessages && run.Status == model.RunStatusPaused {
		// Resume re-arms dispatch.
		return nil
	}
	var payload any
	if len(job.Payload) > 0 {
		payload = job.Payload
	}
	return e.rearm(ctx, run.ID, job.Type, e.now().Add(e.interval(job.Type)), payload)
}

func (e *Engine) interval(typ model.JobType) time.Duration {
	switch typ {
	case model.JobSyncReplies:
		return e.opts.ReplySyncInterval
	case model.JobAnalyzeRun:
		return e.opts.AnalyzeInterval
	default:
		return e.opts.DispatchIdle
	}
}

// rearm queues typ for runID unless one is already queued.
func (e *Engine) rearm(ctx context.Context, runID string, typ model.JobType, at time.Time, payload any) error {
	_, _, err := e.queue.EnqueueOnce(ctx, queue.Spec{
		RunID:        runID,
		Type:         typ,
		ExecuteAfter: at,
		Payload:      payload,
		MaxAttempts:  e.opts.MaxJobAttempts,
	})
	return err
}

// loadRun returns the run and whether handlers may act on it. Terminal and
// paused runs are left alone; Resume re-arms what a paused run needs.
func (e *Engine) loadRun(ctx context.Context, runID string) (*model.Run, bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, false, resilience.NewPermanentError(err, "run_not_found")
		}
		return nil, false, eris.Wrapf(err, "outreach: load run %s", runID)
	}
	if run.Status.Terminal() || run.Status == model.RunStatusPaused {
		return run, false, nil
	}
	return run, true, nil
}
