package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/anomaly"
	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/leads"
	"github.com/sells-group/outreach-engine/internal/outreach"
	"github.com/sells-group/outreach-engine/internal/provider"
	"github.com/sells-group/outreach-engine/internal/queue"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/worker"
)

// appEnv holds the wired components used by serve, worker and the run
// control commands.
type appEnv struct {
	Store    store.Store
	Queue    *queue.Queue
	Runs     *runstate.Machine
	Detector *anomaly.Detector
	Engine   *outreach.Engine
	Pool     *worker.Pool
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}

// openStore connects and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initControl wires what the run control commands need: the store, the
// queue and the state machine without preflight. Callers should defer
// env.Close().
func initControl(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	q := queue.New(st, queue.Options{DefaultMaxAttempts: cfg.Outreach.MaxJobAttempts})
	runs := runstate.New(st, q, nil, runstate.Options{
		EnforceSingleActive: cfg.Outreach.EnforceSingleActive,
		MaxJobAttempts:      cfg.Outreach.MaxJobAttempts,
	})
	return &appEnv{
		Store:    st,
		Queue:    q,
		Runs:     runs,
		Detector: anomaly.NewDetector(st, runs, anomaly.ConfigFrom(cfg.Anomaly)),
	}, nil
}

// initApp wires the full engine for mode ("serve" or "worker"). Callers
// should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	providers, err := initProviders(cfg.Provider)
	if err != nil {
		return nil, err
	}
	pipeline, err := initPipeline(cfg.Suppression)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	q := queue.New(st, queue.Options{DefaultMaxAttempts: cfg.Outreach.MaxJobAttempts})
	runs := runstate.New(st, q, providers.Credentials, runstate.Options{
		EnforceSingleActive: cfg.Outreach.EnforceSingleActive,
		MaxJobAttempts:      cfg.Outreach.MaxJobAttempts,
	})

	var detectorOpts []anomaly.Option
	if cfg.Monitoring.WebhookURL != "" {
		detectorOpts = append(detectorOpts, anomaly.WithAlerter(anomaly.NewWebhookAlerter(cfg.Monitoring.WebhookURL)))
	}
	detector := anomaly.NewDetector(st, runs, anomaly.ConfigFrom(cfg.Anomaly), detectorOpts...)

	engine := outreach.New(st, q, runs, detector, providers, pipeline, outreach.OptionsFrom(cfg.Outreach))

	return &appEnv{
		Store:    st,
		Queue:    q,
		Runs:     runs,
		Detector: detector,
		Engine:   engine,
		Pool:     worker.New(q, engine, worker.OptionsFrom(cfg.Worker)),
	}, nil
}

// initProviders builds the provider set. The HTTP adapter serves delivery,
// mailbox and credential checks; a lead file, when configured, replaces it
// as the lead source.
func initProviders(pc config.ProviderConfig) (provider.Set, error) {
	if pc.BaseURL == "" && pc.LeadFile == "" {
		return provider.Set{}, eris.New("provider.base_url or provider.lead_file is required (OUTREACH_PROVIDER_BASE_URL)")
	}

	var set provider.Set
	if pc.BaseURL != "" {
		hc := provider.NewHTTPClient(pc)
		set = provider.Set{Sourcer: hc, Sender: hc, Replies: hc, Credentials: hc}
	} else {
		zap.L().Warn("no provider base_url configured; sends and reply sync are disabled")
	}

	if pc.LeadFile != "" {
		fs := provider.NewFileSourcer(pc.LeadFile)
		set.Sourcer = fs
		creds := provider.ScopedCredentials{ByScope: map[provider.Scope]provider.CredentialTester{
			provider.ScopeSource: fs,
		}}
		if set.Credentials != nil {
			creds.Default = set.Credentials
		}
		set.Credentials = creds
	}
	return set, nil
}

// initPipeline builds the suppression pipeline from the default rules plus
// the optional rules file.
func initPipeline(sc config.SuppressionConfig) (*leads.Pipeline, error) {
	rules, err := leads.LoadRules(sc.RulesFile)
	if err != nil {
		return nil, err
	}
	return leads.NewPipeline(rules, sc.B2BOnly), nil
}
