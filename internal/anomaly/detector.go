package anomaly

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
)

// ErrResolved is returned when acknowledging a resolved anomaly.
var ErrResolved = eris.New("anomaly: already resolved")

// Detector runs anomaly passes for runs.
type Detector struct {
	store   store.Store
	runs    *runstate.Machine
	cfg     Config
	alerter Alerter
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithAlerter sets where raised and escalated anomalies are announced.
func WithAlerter(a Alerter) Option {
	return func(d *Detector) { d.alerter = a }
}

// WithClock overrides the detector clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a Detector.
func NewDetector(s store.Store, runs *runstate.Machine, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		store: s,
		runs:  runs,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "anomaly")),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Result reports what an anomaly pass changed.
type Result struct {
	Observations []Observation
	Raised       []model.Anomaly
	Escalated    []model.Anomaly
	Resolved     []model.Anomaly
	Paused       bool
}

// Analyze evaluates the run's current metrics. It raises, updates or
// escalates anomalies for signals above threshold, auto-resolves open
// anomalies whose signal dropped below it, and pauses the run while an
// active critical delivery anomaly exists. It never resumes a run.
func (d *Detector) Analyze(ctx context.Context, runID string) (*Result, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "anomaly: load run %s", runID)
	}
	res := &Result{}
	if run.Status.Terminal() {
		return res, nil
	}

	baseline := run.Metrics.NegativeReplyBaseline
	if baseline == 0 {
		baseline = d.cfg.InitialNegativeBaseline
	}
	res.Observations = Evaluate(d.cfg, run.Metrics, baseline)

	open, err := d.store.ListAnomalies(ctx, runID, true)
	if err != nil {
		return nil, eris.Wrapf(err, "anomaly: list open anomalies of run %s", runID)
	}
	byType := make(map[model.AnomalyType]*model.Anomaly, len(open))
	for i := range open {
		byType[open[i].Type] = &open[i]
	}

	now := d.now().UTC()
	var pauseFor model.AnomalyType
	spiking := false
	for _, o := range res.Observations {
		if !o.Evaluated {
			continue
		}
		existing := byType[o.Type]
		if o.Type == model.AnomalyNegativeReplySpike && o.Severity != "" {
			spiking = true
		}

		switch {
		case o.Severity == "" && existing != nil:
			if err := d.resolve(ctx, existing, now, "auto"); err != nil {
				return nil, err
			}
			res.Resolved = append(res.Resolved, *existing)

		case o.Severity != "" && existing == nil:
			a := &model.Anomaly{
				RunID:     runID,
				Type:      o.Type,
				Severity:  o.Severity,
				Status:    model.AnomalyStatusActive,
				Threshold: o.Threshold,
				Observed:  o.Value,
				Details:   details(o, run.Metrics),
				CreatedAt: now,
			}
			if err := d.store.CreateAnomaly(ctx, a); err != nil {
				return nil, eris.Wrapf(err, "anomaly: create %s for run %s", o.Type, runID)
			}
			d.event(ctx, model.EventAnomalyRaised, a)
			res.Raised = append(res.Raised, *a)
			existing = a

		case o.Severity != "":
			escalated := existing.Severity == model.SeverityWarning && o.Severity == model.SeverityCritical
			existing.Observed = o.Value
			existing.Threshold = o.Threshold
			existing.Details = details(o, run.Metrics)
			if escalated {
				existing.Severity = model.SeverityCritical
				// An acknowledgement covered the warning, not the escalation.
				existing.Status = model.AnomalyStatusActive
			}
			if err := d.store.UpdateAnomaly(ctx, existing); err != nil {
				return nil, eris.Wrapf(err, "anomaly: update %s", existing.ID)
			}
			if escalated {
				d.event(ctx, model.EventAnomalyEscalated, existing)
				res.Escalated = append(res.Escalated, *existing)
			}
		}

		if existing != nil && o.Severity == model.SeverityCritical && o.Type.PausesRun() &&
			existing.Status == model.AnomalyStatusActive && pauseFor == "" {
			pauseFor = o.Type
		}
	}

	if !spiking {
		if next := NextBaseline(d.cfg, run.Metrics.NegativeReplyBaseline, run.Metrics); next != run.Metrics.NegativeReplyBaseline {
			if _, err := d.runs.Update(ctx, runID, func(r *model.Run) error {
				r.Metrics.NegativeReplyBaseline = next
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}

	if pauseFor != "" && run.Status != model.RunStatusPaused {
		if _, err := d.runs.Pause(ctx, runID, "anomaly: "+string(pauseFor)); err != nil {
			if !eris.Is(err, runstate.ErrTerminal) {
				return nil, err
			}
		} else {
			res.Paused = true
		}
	}

	if d.alerter != nil && len(res.Raised)+len(res.Escalated) > 0 {
		var alerts []Alert
		for i := range res.Raised {
			alerts = append(alerts, NewAlert(&res.Raised[i], now))
		}
		for i := range res.Escalated {
			alerts = append(alerts, NewAlert(&res.Escalated[i], now))
		}
		d.alerter.Send(ctx, alerts)
	}

	d.log.Debug("anomaly pass",
		zap.String("run_id", runID),
		zap.Int("raised", len(res.Raised)),
		zap.Int("escalated", len(res.Escalated)),
		zap.Int("resolved", len(res.Resolved)),
		zap.Bool("paused", res.Paused),
	)
	return res, nil
}

// Acknowledge marks an open anomaly as seen by an operator. An
// acknowledged critical anomaly no longer re-pauses its run.
func (d *Detector) Acknowledge(ctx context.Context, anomalyID string) (*model.Anomaly, error) {
	a, err := d.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return nil, eris.Wrapf(err, "anomaly: load %s", anomalyID)
	}
	if !a.Open() {
		return a, eris.Wrapf(ErrResolved, "anomaly %s", anomalyID)
	}
	if a.Status == model.AnomalyStatusAcknowledged {
		return a, nil
	}
	a.Status = model.AnomalyStatusAcknowledged
	if err := d.store.UpdateAnomaly(ctx, a); err != nil {
		return nil, eris.Wrapf(err, "anomaly: acknowledge %s", anomalyID)
	}
	d.event(ctx, model.EventAnomalyAcknowledged, a)
	return a, nil
}

// Resolve closes an anomaly by operator action. It does not resume the run.
func (d *Detector) Resolve(ctx context.Context, anomalyID string) (*model.Anomaly, error) {
	a, err := d.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return nil, eris.Wrapf(err, "anomaly: load %s", anomalyID)
	}
	if !a.Open() {
		return a, nil
	}
	if err := d.resolve(ctx, a, d.now().UTC(), "operator"); err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Detector) resolve(ctx context.Context, a *model.Anomaly, now time.Time, by string) error {
	a.Status = model.AnomalyStatusResolved
	a.ResolvedAt = &now
	if err := d.store.UpdateAnomaly(ctx, a); err != nil {
		return eris.Wrapf(err, "anomaly: resolve %s", a.ID)
	}
	e := model.NewEvent(a.RunID, model.EventAnomalyResolved, map[string]any{
		"anomaly_id": a.ID,
		"type":       a.Type,
		"by":         by,
	})
	d.append(ctx, &e)
	return nil
}

func (d *Detector) event(ctx context.Context, typ model.EventType, a *model.Anomaly) {
	e := model.NewEvent(a.RunID, typ, map[string]any{
		"anomaly_id": a.ID,
		"type":       a.Type,
		"severity":   a.Severity,
		"observed":   a.Observed,
		"threshold":  a.Threshold,
	})
	d.append(ctx, &e)
}

func (d *Detector) append(ctx context.Context, e *model.Event) {
	if err := d.store.AppendEvent(ctx, e); err != nil {
		d.log.Error("append anomaly event",
			zap.String("run_id", e.RunID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err),
		)
	}
}

func details(o Observation, m model.RunMetrics) map[string]any {
	d := map[string]any{"samples": o.Samples}
	switch o.Type {
	case model.AnomalyHardBounceRate:
		d["bounced"] = m.BouncedMessages
		d["sent"] = m.SentMessages
	case model.AnomalySpamComplaintRate:
		d["failed"] = m.FailedMessages
		d["spam_failures"] = m.SpamFailures
		d["sent"] = m.SentMessages
	case model.AnomalyProviderErrorRate:
		d["failed"] = m.FailedMessages
		d["sent"] = m.SentMessages
	case model.AnomalyNegativeReplySpike:
		d["negative_replies"] = m.NegativeReplies
		d["replies"] = m.Replies
		d["baseline"] = m.NegativeReplyBaseline
	}
	return d
}
