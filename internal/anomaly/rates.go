// Package anomaly evaluates run health signals against thresholds, keeps
// anomaly records in step with them and pauses runs on critical delivery
// problems.
package anomaly

import (
	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
)

// Thresholds holds the warning and critical levels of one signal.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// Config holds detector thresholds and sample gates.
type Config struct {
	HardBounce    Thresholds
	SpamComplaint Thresholds
	ProviderError Thresholds
	// NegativeReply thresholds apply to the negative reply rate minus its
	// rolling baseline.
	NegativeReply Thresholds

	// InitialNegativeBaseline seeds the baseline before any observation.
	InitialNegativeBaseline float64
	// BaselineSmoothing is the EWMA weight of a new observation.
	BaselineSmoothing float64

	MinSent    int
	MinReplies int
}

// ConfigFrom converts the config section.
func ConfigFrom(c config.AnomalyConfig) Config {
	return Config{
		HardBounce:              Thresholds{c.HardBounceWarning, c.HardBounceCritical},
		SpamComplaint:           Thresholds{c.SpamComplaintWarning, c.SpamComplaintCritical},
		ProviderError:           Thresholds{c.ProviderErrorWarning, c.ProviderErrorCritical},
		NegativeReply:           Thresholds{c.NegativeReplyWarning, c.NegativeReplyCritical},
		InitialNegativeBaseline: c.NegativeReplyBaseline,
		BaselineSmoothing:       c.BaselineSmoothing,
		MinSent:                 c.MinSentForRates,
		MinReplies:              c.MinRepliesForSentiment,
	}
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		HardBounce:              Thresholds{0.03, 0.08},
		SpamComplaint:           Thresholds{0.001, 0.003},
		ProviderError:           Thresholds{0.05, 0.20},
		NegativeReply:           Thresholds{0.15, 0.30},
		InitialNegativeBaseline: 0.20,
		BaselineSmoothing:       0.3,
		MinSent:                 20,
		MinReplies:              5,
	}
}

// Observation is one evaluated signal.
type Observation struct {
	Type model.AnomalyType
	// Evaluated is false when the sample gate was not met; such signals
	// neither raise nor resolve anomalies.
	Evaluated bool
	// Value is the rate, or the rate above baseline for reply spikes.
	Value   float64
	Samples int
	// Severity is empty when Value is below the warning threshold.
	Severity  model.Severity
	Threshold float64
}

// Evaluate computes every signal from run metrics. baseline is the
// negative reply baseline to compare against.
func Evaluate(cfg Config, m model.RunMetrics, baseline float64) []Observation {
	sent := m.SentMessages

	// Spam and provider-error share the failed/sent rate; SpamFailures only
	// shows up in the anomaly details.
	out := []Observation{
		rateObservation(model.AnomalyHardBounceRate, m.BouncedMessages, sent, cfg.MinSent, cfg.HardBounce),
		rateObservation(model.AnomalySpamComplaintRate, m.FailedMessages, sent, cfg.MinSent, cfg.SpamComplaint),
		rateObservation(model.AnomalyProviderErrorRate, m.FailedMessages, sent, cfg.MinSent, cfg.ProviderError),
	}

	spike := Observation{Type: model.AnomalyNegativeReplySpike, Samples: m.Replies}
	if m.Replies > 0 && m.Replies >= cfg.MinReplies {
		spike.Evaluated = true
		spike.Value = float64(m.NegativeReplies)/float64(m.Replies) - baseline
		spike.Severity, spike.Threshold = grade(spike.Value, cfg.NegativeReply)
	}
	return append(out, spike)
}

func rateObservation(typ model.AnomalyType, hits, total, minSamples int, th Thresholds) Observation {
	o := Observation{Type: typ, Samples: total}
	if total == 0 || total < minSamples {
		return o
	}
	o.Evaluated = true
	o.Value = float64(hits) / float64(total)
	o.Severity, o.Threshold = grade(o.Value, th)
	return o
}

func grade(v float64, th Thresholds) (model.Severity, float64) {
	switch {
	case th.Critical > 0 && v >= th.Critical:
		return model.SeverityCritical, th.Critical
	case th.Warning > 0 && v >= th.Warning:
		return model.SeverityWarning, th.Warning
	default:
		return "", th.Warning
	}
}

// NextBaseline folds the observed negative reply rate into the baseline.
// A zero baseline means none has been observed and is seeded from cfg.
func NextBaseline(cfg Config, current float64, m model.RunMetrics) float64 {
	if current == 0 {
		current = cfg.InitialNegativeBaseline
	}
	if m.Replies == 0 || m.Replies < cfg.MinReplies {
		return current
	}
	rate := float64(m.NegativeReplies) / float64(m.Replies)
	a := cfg.BaselineSmoothing
	if a <= 0 || a > 1 {
		a = 0.3
	}
	return a*rate + (1-a)*current
}
