package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Validate checks the fields the given command mode depends on. Modes are
// "serve", "worker", "migrate" and "cli".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "migrate", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	errs = append(errs, c.validateStore()...)

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if mode == "serve" || mode == "worker" {
		errs = append(errs, c.validateWorker()...)
		errs = append(errs, c.validateOutreach()...)
		errs = append(errs, c.validateAnomaly()...)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateWorker() []string {
	var errs []string
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
		errs = append(errs, "worker.concurrency must be between 1 and 64")
	}
	if c.Worker.PollIntervalMs <= 0 {
		errs = append(errs, "worker.poll_interval_ms must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, "worker.batch_size must be > 0")
	}
	return errs
}

func (c *Config) validateOutreach() []string {
	var errs []string
	o := c.Outreach
	if o.DailyCap <= 0 {
		errs = append(errs, "outreach.daily_cap must be > 0")
	}
	if o.HourlyCap <= 0 {
		errs = append(errs, "outreach.hourly_cap must be > 0")
	}
	if o.HourlyCap > o.DailyCap {
		errs = append(errs, "outreach.hourly_cap must be <= daily_cap")
	}
	if o.MinSpacingMinutes < 0 {
		errs = append(errs, "outreach.min_spacing_minutes must be >= 0")
	}
	if _, err := time.LoadLocation(o.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("outreach.timezone %q is not a valid IANA zone", o.Timezone))
	}
	if o.MaxJobAttempts < 1 {
		errs = append(errs, "outreach.max_job_attempts must be >= 1")
	}
	return errs
}

func (c *Config) validateAnomaly() []string {
	var errs []string
	a := c.Anomaly
	pairs := []struct {
		name           string
		warn, critical float64
	}{
		{"hard_bounce", a.HardBounceWarning, a.HardBounceCritical},
		{"spam_complaint", a.SpamComplaintWarning, a.SpamComplaintCritical},
		{"provider_error", a.ProviderErrorWarning, a.ProviderErrorCritical},
		{"negative_reply", a.NegativeReplyWarning, a.NegativeReplyCritical},
	}
	for _, p := range pairs {
		if p.warn < 0 || p.warn > 1 || p.critical < 0 || p.critical > 1 {
			errs = append(errs, fmt.Sprintf("anomaly.%s thresholds must be between 0 and 1", p.name))
			continue
		}
		if p.warn > p.critical {
			errs = append(errs, fmt.Sprintf("anomaly.%s_warning must be <= %s_critical", p.name, p.name))
		}
	}
	if a.BaselineSmoothing <= 0 || a.BaselineSmoothing > 1 {
		errs = append(errs, "anomaly.baseline_smoothing must be in (0, 1]")
	}
	return errs
}
