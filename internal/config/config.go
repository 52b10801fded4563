package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Worker      WorkerConfig      `yaml:"worker" mapstructure:"worker"`
	Outreach    OutreachConfig    `yaml:"outreach" mapstructure:"outreach"`
	Anomaly     AnomalyConfig     `yaml:"anomaly" mapstructure:"anomaly"`
	Provider    ProviderConfig    `yaml:"provider" mapstructure:"provider"`
	Suppression SuppressionConfig `yaml:"suppression" mapstructure:"suppression"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects and configures the persistence backend. It is
// injected into the store constructor; nothing else inspects it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the control/polling API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// WorkerConfig configures the polling worker pool.
type WorkerConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	JobTimeoutSecs int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	LeaseTTLSecs   int `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
}

// OutreachConfig holds run policy defaults and job handler tuning.
type OutreachConfig struct {
	DailyCap            int    `yaml:"daily_cap" mapstructure:"daily_cap"`
	HourlyCap           int    `yaml:"hourly_cap" mapstructure:"hourly_cap"`
	Timezone            string `yaml:"timezone" mapstructure:"timezone"`
	MinSpacingMinutes   int    `yaml:"min_spacing_minutes" mapstructure:"min_spacing_minutes"`
	MonitorWindowHours  int    `yaml:"monitor_window_hours" mapstructure:"monitor_window_hours"`
	EnforceSingleActive bool   `yaml:"enforce_single_active" mapstructure:"enforce_single_active"`
	MaxJobAttempts      int    `yaml:"max_job_attempts" mapstructure:"max_job_attempts"`

	ScheduleBatchSize   int     `yaml:"schedule_batch_size" mapstructure:"schedule_batch_size"`
	DispatchBatchSize   int     `yaml:"dispatch_batch_size" mapstructure:"dispatch_batch_size"`
	SendTimeoutSecs     int     `yaml:"send_timeout_secs" mapstructure:"send_timeout_secs"`
	SendRatePerSec      float64 `yaml:"send_rate_per_sec" mapstructure:"send_rate_per_sec"`
	DispatchIdleSecs    int     `yaml:"dispatch_idle_secs" mapstructure:"dispatch_idle_secs"`
	ReplySyncInterval   int     `yaml:"reply_sync_interval_secs" mapstructure:"reply_sync_interval_secs"`
	AnalyzeIntervalSecs int     `yaml:"analyze_interval_secs" mapstructure:"analyze_interval_secs"`
}

// AnomalyConfig holds detector thresholds. Warning and critical thresholds
// are rates in [0,1]; the negative reply thresholds are deltas over the
// rolling baseline.
type AnomalyConfig struct {
	HardBounceWarning      float64 `yaml:"hard_bounce_warning" mapstructure:"hard_bounce_warning"`
	HardBounceCritical     float64 `yaml:"hard_bounce_critical" mapstructure:"hard_bounce_critical"`
	SpamComplaintWarning   float64 `yaml:"spam_complaint_warning" mapstructure:"spam_complaint_warning"`
	SpamComplaintCritical  float64 `yaml:"spam_complaint_critical" mapstructure:"spam_complaint_critical"`
	ProviderErrorWarning   float64 `yaml:"provider_error_warning" mapstructure:"provider_error_warning"`
	ProviderErrorCritical  float64 `yaml:"provider_error_critical" mapstructure:"provider_error_critical"`
	NegativeReplyWarning   float64 `yaml:"negative_reply_warning" mapstructure:"negative_reply_warning"`
	NegativeReplyCritical  float64 `yaml:"negative_reply_critical" mapstructure:"negative_reply_critical"`
	NegativeReplyBaseline  float64 `yaml:"negative_reply_baseline" mapstructure:"negative_reply_baseline"`
	BaselineSmoothing      float64 `yaml:"baseline_smoothing" mapstructure:"baseline_smoothing"`
	MinSentForRates        int     `yaml:"min_sent_for_rates" mapstructure:"min_sent_for_rates"`
	MinRepliesForSentiment int     `yaml:"min_replies_for_sentiment" mapstructure:"min_replies_for_sentiment"`
}

// ProviderConfig configures the generic JSON/HTTP provider adapter.
type ProviderConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMs   int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs       int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	BreakerFailures  int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	// LeadFile, when set, sources leads from a CSV/XLSX directory dump
	// instead of the HTTP sourcing endpoint.
	LeadFile string `yaml:"lead_file" mapstructure:"lead_file"`
}

// SuppressionConfig configures the lead suppression pipeline.
type SuppressionConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
	B2BOnly   bool   `yaml:"b2b_only" mapstructure:"b2b_only"`
}

// MonitoringConfig configures anomaly alert delivery.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("worker.poll_interval_ms", 2000)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.batch_size", 32)
	v.SetDefault("worker.job_timeout_secs", 300)
	v.SetDefault("worker.lease_ttl_secs", 900)

	v.SetDefault("outreach.daily_cap", 30)
	v.SetDefault("outreach.hourly_cap", 6)
	v.SetDefault("outreach.timezone", "UTC")
	v.SetDefault("outreach.min_spacing_minutes", 8)
	v.SetDefault("outreach.monitor_window_hours", 72)
	v.SetDefault("outreach.enforce_single_active", true)
	v.SetDefault("outreach.max_job_attempts", 5)
	v.SetDefault("outreach.schedule_batch_size", 500)
	v.SetDefault("outreach.dispatch_batch_size", 25)
	v.SetDefault("outreach.send_timeout_secs", 30)
	v.SetDefault("outreach.send_rate_per_sec", 2.0)
	v.SetDefault("outreach.dispatch_idle_secs", 300)
	v.SetDefault("outreach.reply_sync_interval_secs", 600)
	v.SetDefault("outreach.analyze_interval_secs", 900)

	v.SetDefault("anomaly.hard_bounce_warning", 0.03)
	v.SetDefault("anomaly.hard_bounce_critical", 0.08)
	v.SetDefault("anomaly.spam_complaint_warning", 0.001)
	v.SetDefault("anomaly.spam_complaint_critical", 0.003)
	v.SetDefault("anomaly.provider_error_warning", 0.05)
	v.SetDefault("anomaly.provider_error_critical", 0.20)
	v.SetDefault("anomaly.negative_reply_warning", 0.15)
	v.SetDefault("anomaly.negative_reply_critical", 0.30)
	v.SetDefault("anomaly.negative_reply_baseline", 0.20)
	v.SetDefault("anomaly.baseline_smoothing", 0.3)
	v.SetDefault("anomaly.min_sent_for_rates", 20)
	v.SetDefault("anomaly.min_replies_for_sentiment", 5)

	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.rate_per_sec", 5.0)
	v.SetDefault("provider.retry_attempts", 3)
	v.SetDefault("provider.retry_initial_ms", 500)
	v.SetDefault("provider.retry_max_ms", 10000)
	v.SetDefault("provider.breaker_failures", 5)
	v.SetDefault("provider.breaker_reset_secs", 120)

	v.SetDefault("suppression.b2b_only", true)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
