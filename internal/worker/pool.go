// Package worker runs queued jobs. A Pool polls the queue on an interval,
// claims due jobs and hands them to a Handler with bounded concurrency and
// at most one job per run in flight.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/store"
)

// Handler executes claimed jobs.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) error
	// OnTerminalFailure is called once a job will not run again.
	OnTerminalFailure(ctx context.Context, job *model.Job, cause error) error
}

// Options tunes a Pool.
type Options struct {
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	JobTimeout   time.Duration
	// LeaseTTL is how long a job may stay running before Reap treats its
	// worker as dead.
	LeaseTTL time.Duration
}

// OptionsFrom builds Options from configuration.
func OptionsFrom(cfg config.WorkerConfig) Options {
	return Options{
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		Concurrency:  cfg.Concurrency,
		BatchSize:    cfg.BatchSize,
		JobTimeout:   time.Duration(cfg.JobTimeoutSecs) * time.Second,
		LeaseTTL:     time.Duration(cfg.LeaseTTLSecs) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Minute
	}
	// A lease shorter than the job timeout would reap healthy jobs.
	if o.LeaseTTL < o.JobTimeout {
		o.LeaseTTL = 2 * o.JobTimeout
	}
	return o
}

// Pool is a polling worker pool.
type Pool struct {
	queue   *queue.Queue
	handler Handler
	opts    Options

	mu     sync.Mutex
	active map[string]struct{} // run ids with a job in flight

	log *zap.Logger
}

// New creates a Pool.
func New(q *queue.Queue, h Handler, opts Options) *Pool {
	return &Pool{
		queue:   q,
		handler: h,
		opts:    opts.withDefaults(),
		active:  make(map[string]struct{}),
		log:     zap.L().With(zap.String("component", "worker")),
	}
}

// Run polls until ctx is canceled. Jobs in flight when ctx ends are allowed
// to finish. Stale leases are reaped on startup and then once per lease TTL.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool",
		zap.Duration("poll_interval", p.opts.PollInterval),
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("lease_ttl", p.opts.LeaseTTL),
	)

	p.reap(ctx)

	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(p.opts.LeaseTTL / 2)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker pool stopped")
			return nil
		case <-reap.C:
			p.reap(ctx)
		case <-poll.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("worker: poll failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
		p.log.Error("worker: reap failed", zap.Error(err))
	}
}

// Tick runs one poll: it lists due jobs, runs those it can claim and waits
// for them. It returns the number of jobs executed.
func (p *Pool) Tick(ctx context.Context) (int, error) {
	due, err := p.queue.ListDue(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)

	var (
		mu  sync.Mutex
		ran int
	)
	for i := range due {
		job := due[i]
		if !p.lease(job.RunID) {
			continue
		}
		g.Go(func() error {
			defer p.release(job.RunID)
			ok, err := p.process(ctx, &job)
			if ok {
				mu.Lock()
				ran++
				mu.Unlock()
			}
			return err
		})
	}

	err = g.Wait()
	return ran, eris.Wrap(err, "worker: tick")
}

// lease reserves runID for this process. ListDue returns jobs oldest first,
// so the earliest due job of a run wins the lease.
func (p *Pool) lease(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[runID]; busy {
		return false
	}
	p.active[runID] = struct{}{}
	return true
}

func (p *Pool) release(runID string) {
	p.mu.Lock()
	delete(p.active, runID)
	p.mu.Unlock()
}

// process claims and executes one job. Handler errors are recorded on the
// job and never returned; only queue bookkeeping failures are.
func (p *Pool) process(ctx context.Context, job *model.Job) (bool, error) {
	claimed, err := p.queue.Claim(ctx, job)
	if err != nil {
		if eris.Is(err, store.ErrNotClaimed) {
			return false, nil
		}
		return false, err
	}

	log := p.log.With(
		zap.String("run_id", claimed.RunID),
		zap.String("job_id", claimed.ID),
		zap.String("job_type", string(claimed.Type)),
		zap.Int("attempt", claimed.Attempts),
	)

	herr := p.execute(ctx, claimed)

	// Bookkeeping outlives shutdown so a finished job is never left running.
	bctx := context.WithoutCancel(ctx)
	if herr == nil {
		return true, p.queue.MarkCompleted(bctx, claimed)
	}

	res, err := p.queue.MarkFailed(bctx, claimed, herr)
	if err != nil {
		return true, err
	}
	if res.Terminal && !res.RunStopped {
		if err := p.handler.OnTerminalFailure(bctx, &res.Job, herr); err != nil {
			log.Error("worker: terminal failure policy failed", zap.Error(err))
		}
	}
	return true, nil
}

// execute runs the handler under the job timeout and turns a panic into an
// error.
func (p *Pool) execute(ctx context.Context, job *model.Job) (err error) {
	jctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("worker: job %s panicked: %v", job.ID, r))
		}
	}()

	return p.handler.Handle(jctx, job)
}

// Reap fails or re-queues running jobs whose lease expired and applies the
// terminal-failure policy to those that will not run again. It returns the
// number of reaped jobs.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	results, err := p.queue.ReapStale(ctx, p.opts.LeaseTTL)
	for i := range results {
		res := results[i]
		p.log.Warn("reaped stale job",
			zap.String("run_id", res.Job.RunID),
			zap.String("job_id", res.Job.ID),
			zap.String("job_type", string(res.Job.Type)),
			zap.Bool("terminal", res.Terminal),
		)
		if res.Terminal && !res.RunStopped {
			if herr := p.handler.OnTerminalFailure(ctx, &res.Job, queue.ErrLeaseExpired); herr != nil {
				p.log.Error("worker: terminal failure policy failed",
					zap.String("job_id", res.Job.ID),
					zap.Error(herr),
				)
			}
		}
	}
	return len(results), err
}
