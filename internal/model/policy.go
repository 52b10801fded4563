package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// CadenceStep is one touch of the send sequence. DelayDays is measured from
// the slot assigned to step 1 for the same lead.
type CadenceStep struct {
	Step      int `json:"step" mapstructure:"step"`
	DelayDays int `json:"delay_days" mapstructure:"delay_days"`
}

// Cadence is the ordered multi-step send sequence of a run.
type Cadence struct {
	Steps []CadenceStep `json:"steps" mapstructure:"steps"`
}

// DefaultCadence is the fixed 3-step, 7-day sequence.
func DefaultCadence() Cadence {
	return Cadence{Steps: []CadenceStep{
		{Step: 1, DelayDays: 0},
		{Step: 2, DelayDays: 3},
		{Step: 3, DelayDays: 7},
	}}
}

// Len returns the number of steps.
func (c Cadence) Len() int { return len(c.Steps) }

// Validate checks steps are numbered 1..N with non-decreasing delays and
// that step 1 is immediately eligible.
func (c Cadence) Validate() error {
	if len(c.Steps) == 0 {
		return eris.New("model: cadence has no steps")
	}
	prev := -1
	for i, s := range c.Steps {
		if s.Step != i+1 {
			return eris.Errorf("model: cadence step %d out of order (got %d)", i+1, s.Step)
		}
		if s.DelayDays < 0 || s.DelayDays < prev {
			return eris.Errorf("model: cadence step %d has invalid delay %d", s.Step, s.DelayDays)
		}
		prev = s.DelayDays
	}
	if c.Steps[0].DelayDays != 0 {
		return eris.New("model: cadence step 1 must have zero delay")
	}
	return nil
}

// RunPolicy is the declarative pacing policy of a run.
type RunPolicy struct {
	DailyCap          int     `json:"daily_cap"`
	HourlyCap         int     `json:"hourly_cap"`
	Timezone          string  `json:"timezone"`
	MinSpacingMinutes int     `json:"min_spacing_minutes"`
	Cadence           Cadence `json:"cadence"`

	// SendWindowStartHour and SendWindowEndHour bound the local hours in
	// which sends may be scheduled, as [start, end). 0 and 24 (or both zero)
	// mean the whole day.
	SendWindowStartHour int `json:"send_window_start_hour,omitempty"`
	SendWindowEndHour   int `json:"send_window_end_hour,omitempty"`

	// MonitorWindowHours is how long a run stays in monitoring after its
	// last send before it completes.
	MonitorWindowHours int `json:"monitor_window_hours,omitempty"`
}

// Location resolves the policy timezone. An empty timezone means UTC.
func (p RunPolicy) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "model: load timezone %q", p.Timezone)
	}
	return loc, nil
}

// MinSpacing returns the minimum spacing as a duration.
func (p RunPolicy) MinSpacing() time.Duration {
	return time.Duration(p.MinSpacingMinutes) * time.Minute
}

// Window returns the effective [start, end) send window hours.
func (p RunPolicy) Window() (start, end int) {
	start, end = p.SendWindowStartHour, p.SendWindowEndHour
	if end == 0 {
		end = 24
	}
	return start, end
}

// Validate rejects policies the scheduler cannot honor.
func (p RunPolicy) Validate() error {
	if p.DailyCap <= 0 {
		return eris.New("model: daily cap must be positive")
	}
	if p.HourlyCap <= 0 {
		return eris.New("model: hourly cap must be positive")
	}
	if p.MinSpacingMinutes < 0 {
		return eris.New("model: min spacing must not be negative")
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	start, end := p.Window()
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		return eris.Errorf("model: invalid send window [%d, %d)", start, end)
	}
	if p.MonitorWindowHours < 0 {
		return eris.New("model: monitor window must not be negative")
	}
	return p.Cadence.Validate()
}

// WithDefaults fills zero-valued optional fields.
func (p RunPolicy) WithDefaults() RunPolicy {
	if p.Cadence.Len() == 0 {
		p.Cadence = DefaultCadence()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p
}
