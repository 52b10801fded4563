// Package runstate owns run lifecycle transitions. Every transition is a
// compare-and-swap on the run version followed by an appended event.
package runstate

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/store"
)

var (
	// ErrPreflight is returned by Launch when a credential check failed.
	ErrPreflight = eris.New("runstate: preflight failed")
	// ErrActiveRunExists is returned by Launch when the single-active-run
	// guard is on and the experiment or campaign already has a live run.
	ErrActiveRunExists = eris.New("runstate: an active run already exists")
	// ErrTerminal is returned for any transition out of a terminal state.
	ErrTerminal = eris.New("runstate: run is in a terminal state")
	// ErrNotPaused is returned by Resume when the run is not paused.
	ErrNotPaused = eris.New("runstate: run is not paused")
	// ErrInvalidTransition is returned when the edge is not in the graph.
	ErrInvalidTransition = eris.New("runstate: invalid transition")
)

// forward lists the normal-path edges. Pause, resume, cancel and fail are
// handled separately.
var forward = map[model.RunStatus][]model.RunStatus{
	model.RunStatusQueued:     {model.RunStatusSourcing},
	model.RunStatusSourcing:   {model.RunStatusScheduled},
	model.RunStatusScheduled:  {model.RunStatusSending, model.RunStatusMonitoring},
	model.RunStatusSending:    {model.RunStatusMonitoring},
	model.RunStatusMonitoring: {model.RunStatusCompleted},
}

// CanAdvance reports whether from -> to is a normal-path edge.
func CanAdvance(from, to model.RunStatus) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options tunes a Machine.
type Options struct {
	// EnforceSingleActive rejects a launch while another non-terminal run
	// exists for the same experiment (or campaign).
	EnforceSingleActive bool
	// MaxJobAttempts is passed to jobs enqueued on launch and resume.
	MaxJobAttempts int
	// UpdateRetries bounds the compare-and-swap loop. Default: 10.
	UpdateRetries int
	Now           func() time.Time
}

// Machine applies run transitions.
type Machine struct {
	store store.Store
	queue *queue.Queue
	creds provider.CredentialTester
	opts  Options
	log   *zap.Logger
}

// New creates a Machine. creds may be nil, which skips preflight.
func New(s store.Store, q *queue.Queue, creds provider.CredentialTester, opts Options) *Machine {
	if opts.UpdateRetries <= 0 {
		opts.UpdateRetries = 10
	}
	if opts.Now == nil {
		opts.Now = q.Now
	}
	return &Machine{
		store: s,
		queue: q,
		creds: creds,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "runstate")),
	}
}

func (m *Machine) now() time.Time {
	return m.opts.Now().UTC()
}

// LaunchRequest describes a run to launch.
type LaunchRequest struct {
	BrandID      string          `json:"brand_id"`
	CampaignID   string          `json:"campaign_id,omitempty"`
	ExperimentID string          `json:"experiment_id,omitempty"`
	AccountID    string          `json:"account_id"`
	Mailbox      string          `json:"mailbox,omitempty"`
	SourceQuery  string          `json:"source_query,omitempty"`
	Policy       model.RunPolicy `json:"policy"`
	Template     model.Template  `json:"template"`
}

// Launch validates the request, runs preflight and creates the run. A
// failed preflight still creates the run, in preflight_failed, and returns
// it together with an error wrapping ErrPreflight. No job is enqueued for
// such a run.
func (m *Machine) Launch(ctx context.Context, req LaunchRequest) (*model.Run, error) {
	if req.BrandID == "" {
		return nil, eris.New("runstate: brand id is required")
	}
	if req.AccountID == "" {
		return nil, eris.New("runstate: account id is required")
	}
	policy := req.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, eris.Wrap(err, "runstate: invalid policy")
	}

	run := &model.Run{
		BrandID:      req.BrandID,
		CampaignID:   req.CampaignID,
		ExperimentID: req.ExperimentID,
		AccountID:    req.AccountID,
		Mailbox:      req.Mailbox,
		SourceQuery:  req.SourceQuery,
		Policy:       policy,
		Template:     req.Template,
		CreatedAt:    m.now(),
	}

	if m.opts.EnforceSingleActive {
		if err := m.checkSingleActive(ctx, run); err != nil {
			return nil, err
		}
	}

	if failures := m.preflight(ctx, run); len(failures) > 0 {
		finished := m.now()
		run.Status = model.RunStatusPreflightFailed
		run.LastError = strings.Join(failures, "; ")
		run.FinishedAt = &finished
		if err := m.store.CreateRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "runstate: create run")
		}
		m.event(ctx, run.ID, model.EventRunPreflightFailed, map[string]any{"failures": failures})
		m.log.Warn("run preflight failed",
			zap.String("run_id", run.ID),
			zap.Strings("failures", failures),
		)
		return run, eris.Wrap(ErrPreflight, run.LastError)
	}

	launched := m.now()
	run.Status = model.RunStatusQueued
	run.LaunchedAt = &launched
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "runstate: create run")
	}
	m.event(ctx, run.ID, model.EventRunLaunched, map[string]any{
		"status": run.Status,
		"policy": run.Policy,
	})

	if _, err := m.queue.Enqueue(ctx, queue.Spec{
		RunID:       run.ID,
		Type:        model.JobSourceLeads,
		MaxAttempts: m.opts.MaxJobAttempts,
	}); err != nil {
		return run, err
	}

	m.log.Info("run launched",
		zap.String("run_id", run.ID),
		zap.String("scope", run.ScopeKey()),
	)
	return run, nil
}

// checkSingleActive is a read-then-create check; two launches racing for
// the same scope can both pass it.
func (m *Machine) checkSingleActive(ctx context.Context, run *model.Run) error {
	key := run.ScopeKey()
	if key == "" {
		return nil
	}
	filter := store.RunFilter{ActiveOnly: true, ExperimentID: run.ExperimentID, Limit: 1000}
	if run.ExperimentID == "" {
		filter.CampaignID = run.CampaignID
	}
	active, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return eris.Wrap(err, "runstate: list active runs")
	}
	for i := range active {
		if active[i].ScopeKey() == key {
			return eris.Wrapf(ErrActiveRunExists, "run %s (%s)", active[i].ID, key)
		}
	}
	return nil
}

type credentialCheck struct {
	account string
	scope   provider.Scope
}

func (m *Machine) preflight(ctx context.Context, run *model.Run) []string {
	if m.creds == nil {
		return nil
	}
	checks := []credentialCheck{
		{run.AccountID, provider.ScopeSend},
		{run.AccountID, provider.ScopeSource},
	}
	if run.Mailbox != "" {
		checks = append(checks, credentialCheck{run.Mailbox, provider.ScopeRead})
	}

	var failures []string
	for _, c := range checks {
		if err := m.creds.TestCredentials(ctx, c.account, c.scope); err != nil {
			failures = append(failures, string(c.scope)+": "+err.Error())
		}
	}
	return failures
}

// Update runs a compare-and-swap read-modify-write on the run. fn sees a
// fresh copy on every attempt and may return an error to abort.
func (m *Machine) Update(ctx context.Context, runID string, fn func(*model.Run) error) (*model.Run, error) {
	for attempt := 0; attempt < m.opts.UpdateRetries; attempt++ {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, eris.Wrapf(err, "runstate: load run %s", runID)
		}
		if err := fn(run); err != nil {
			return run, err
		}
		err = m.store.UpdateRun(ctx, run)
		if err == nil {
			return run, nil
		}
		if !eris.Is(err, store.ErrVersionConflict) {
			return nil, eris.Wrapf(err, "runstate: update run %s", runID)
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "runstate: update run")
		}
	}
	return nil, eris.Wrapf(store.ErrVersionConflict, "runstate: run %s still contended after %d attempts", runID, m.opts.UpdateRetries)
}

// Advance moves the run along the normal path. apply, when set, mutates the
// run in the same write.
func (m *Machine) Advance(ctx context.Context, runID string, to model.RunStatus, apply func(*model.Run)) (*model.Run, error) {
	var from model.RunStatus
	run, err := m.Update(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return eris.Wrapf(ErrTerminal, "run %s is %s", r.ID, r.Status)
		}
		if !CanAdvance(r.Status, to) {
			return eris.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", r.ID, r.Status, to)
		}
		from = r.Status
		r.Status = to
		now := m.now()
		switch to {
		case model.RunStatusMonitoring:
			r.MonitoringSince = &now
		case model.RunStatusCompleted:
			r.FinishedAt = &now
		}
		if apply != nil {
			apply(r)
		}
		return nil
	})
	if err != nil {
		return run, err
	}

	typ := model.EventRunTransition
	if to == model.RunStatusCompleted {
		typ = model.EventRunCompleted
	}
	m.event(ctx, runID, typ, map[string]any{"from": from, "to": to})
	m.log.Info("run transition",
		zap.String("run_id", runID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return run, nil
}

// Pause stops a non-terminal run and remembers its state for Resume.
// Pausing a paused run is a no-op.
func (m *Machine) Pause(ctx context.Context, runID, reason string) (*model.Run, error) {
	var from model.RunStatus
	run, err := m.Update(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return eris.Wrapf(ErrTerminal, "run %s is %s", r.ID, r.Status)
		}
		if r.Status == model.RunStatusPaused {
			return errNoChange
		}
		from = r.Status
		r.PrePauseStatus = r.Status
		r.Status = model.RunStatusPaused
		r.PauseReason = reason
		return nil
	})
	if eris.Is(err, errNoChange) {
		return run, nil
	}
	if err != nil {
		return run, err
	}
	m.event(ctx, runID, model.EventRunPaused, map[string]any{"from": from, "reason": reason})
	m.log.Warn("run paused", zap.String("run_id", runID), zap.String("reason", reason))
	return run, nil
}

var errNoChange = eris.New("runstate: no change")

// Resume returns a paused run to its pre-pause state and re-arms the jobs
// that state needs.
func (m *Machine) Resume(ctx context.Context, runID string) (*model.Run, error) {
	run, err := m.Update(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return eris.Wrapf(ErrTerminal, "run %s is %s", r.ID, r.Status)
		}
		if r.Status != model.RunStatusPaused {
			return eris.Wrapf(ErrNotPaused, "run %s is %s", r.ID, r.Status)
		}
		r.Status = r.PrePauseStatus
		if r.Status == "" {
			r.Status = model.RunStatusQueued
		}
		r.PrePauseStatus = ""
		r.PauseReason = ""
		return nil
	})
	if err != nil {
		return run, err
	}

	m.event(ctx, runID, model.EventRunResumed, map[string]any{"to": run.Status})
	m.log.Info("run resumed", zap.String("run_id", runID), zap.String("status", string(run.Status)))

	for _, typ := range JobsFor(run.Status) {
		if _, _, err := m.queue.EnqueueOnce(ctx, queue.Spec{
			RunID:       runID,
			Type:        typ,
			MaxAttempts: m.opts.MaxJobAttempts,
		}); err != nil {
			return run, err
		}
	}
	return run, nil
}

// JobsFor lists the job types a run in status needs queued to make
// progress.
func JobsFor(status model.RunStatus) []model.JobType {
	switch status {
	case model.RunStatusQueued, model.RunStatusSourcing:
		return []model.JobType{model.JobSourceLeads}
	case model.RunStatusScheduled, model.RunStatusSending:
		return []model.JobType{model.JobScheduleMessages, model.JobDispatchMessages, model.JobSyncReplies, model.JobAnalyzeRun}
	case model.RunStatusMonitoring:
		return []model.JobType{model.JobSyncReplies, model.JobAnalyzeRun}
	default:
		return nil
	}
}

// Cancel terminally stops a run: queued jobs fail with "run canceled" and
// scheduled messages are canceled. In-flight sends are still recorded by
// their handlers.
func (m *Machine) Cancel(ctx context.Context, runID, reason string) (*model.Run, error) {
	return m.stop(ctx, runID, model.RunStatusCanceled, reason, "run canceled", model.EventRunCanceled)
}

// Fail terminally fails a run with reason recorded as its last error.
func (m *Machine) Fail(ctx context.Context, runID, reason string) (*model.Run, error) {
	return m.stop(ctx, runID, model.RunStatusFailed, reason, "run failed", model.EventRunFailed)
}

func (m *Machine) stop(ctx context.Context, runID string, to model.RunStatus, reason, jobReason string, typ model.EventType) (*model.Run, error) {
	var from model.RunStatus
	run, err := m.Update(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return eris.Wrapf(ErrTerminal, "run %s is %s", r.ID, r.Status)
		}
		from = r.Status
		now := m.now()
		r.Status = to
		r.FinishedAt = &now
		if to == model.RunStatusFailed {
			r.LastError = reason
		}
		return nil
	})
	if err != nil {
		return run, err
	}

	jobs, err := m.queue.FailQueued(ctx, runID, jobReason)
	if err != nil {
		return run, err
	}
	msgs, err := m.store.CancelScheduledMessages(ctx, runID, "", m.now())
	if err != nil {
		return run, eris.Wrapf(err, "runstate: cancel messages of run %s", runID)
	}

	m.event(ctx, runID, typ, map[string]any{
		"from":              from,
		"reason":            reason,
		"failed_jobs":       jobs,
		"canceled_messages": msgs,
	})
	m.log.Warn("run stopped",
		zap.String("run_id", runID),
		zap.String("status", string(to)),
		zap.String("reason", reason),
		zap.Int("failed_jobs", jobs),
		zap.Int("canceled_messages", msgs),
	)
	return run, nil
}

// RecordError sets the run's last error without changing its state.
func (m *Machine) RecordError(ctx context.Context, runID, msg string) error {
	_, err := m.Update(ctx, runID, func(r *model.Run) error {
		r.LastError = msg
		return nil
	})
	if err != nil {
		return err
	}
	m.event(ctx, runID, model.EventRunError, map[string]any{"error": msg})
	return nil
}

// Event appends an audit event for runID. Write failures are logged only.
func (m *Machine) Event(ctx context.Context, runID string, typ model.EventType, payload any) {
	m.event(ctx, runID, typ, payload)
}

func (m *Machine) event(ctx context.Context, runID string, typ model.EventType, payload any) {
	e := model.NewEvent(runID, typ, payload)
	if err := m.store.AppendEvent(ctx, &e); err != nil {
		m.log.Error("append run event",
			zap.String("run_id", runID),
			zap.String("event_type", string(typ)),
			zap.Error(err),
		)
	}
}
