package outreach

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/runstate"
)

// analyzeRun runs an anomaly pass and completes a monitoring run whose
// window has elapsed. It keeps running while the run is paused so open
// anomalies can auto-resolve.
func (e *Engine) analyzeRun(ctx context.Context, job *model.Job) error {
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		return eris.Wrapf(err, "outreach: load run %s", job.RunID)
	}
	if run.Status.Terminal() {
		return nil
	}

	if e.detector != nil {
		res, err := e.detector.Analyze(ctx, run.ID)
		if err != nil {
			return err
		}
		if res.Paused {
			e.log.Warn("run paused by anomaly pass", zap.String("run_id", run.ID))
		}
		if run, err = e.store.GetRun(ctx, run.ID); err != nil {
			return eris.Wrapf(err, "outreach: reload run %s", job.RunID)
		}
	}

	now := e.now()
	next := now.Add(e.opts.AnalyzeInterval)
	if run.Status == model.RunStatusMonitoring && run.MonitoringSince != nil {
		done := run.MonitoringSince.Add(e.monitorWindow(run))
		if !now.Before(done) {
			_, err := e.runs.Advance(ctx, run.ID, model.RunStatusCompleted, nil)
			if eris.Is(err, runstate.ErrTerminal) || eris.Is(err, runstate.ErrInvalidTransition) {
				return nil
			}
			if err == nil {
				e.log.Info("run completed", zap.String("run_id", run.ID))
			}
			return err
		}
		if done.Before(next) {
			next = done
		}
	}
	return e.rearm(ctx, run.ID, model.JobAnalyzeRun, next, nil)
}

func (e *Engine) monitorWindow(run *model.Run) time.Duration {
	if run.Policy.MonitorWindowHours > 0 {
		return time.Duration(run.Policy.MonitorWindowHours) * time.Hour
	}
	return e.opts.MonitorWindow
}
