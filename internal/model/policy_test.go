package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() RunPolicy {
	return RunPolicy{
		DailyCap:          30,
		HourlyCap:         6,
		Timezone:          "America/New_York",
		MinSpacingMinutes: 8,
		Cadence:           DefaultCadence(),
	}
}

func TestRunPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunPolicy)
		wantErr bool
	}{
		{"valid", func(*RunPolicy) {}, false},
		{"zero daily cap", func(p *RunPolicy) { p.DailyCap = 0 }, true},
		{"zero hourly cap", func(p *RunPolicy) { p.HourlyCap = 0 }, true},
		{"negative spacing", func(p *RunPolicy) { p.MinSpacingMinutes = -1 }, true},
		{"unknown timezone", func(p *RunPolicy) { p.Timezone = "Mars/Olympus" }, true},
		{"window", func(p *RunPolicy) { p.SendWindowStartHour, p.SendWindowEndHour = 9, 17 }, false},
		{"inverted window", func(p *RunPolicy) { p.SendWindowStartHour, p.SendWindowEndHour = 17, 9 }, true},
		{"window past midnight", func(p *RunPolicy) { p.SendWindowEndHour = 25 }, true},
		{"negative monitor window", func(p *RunPolicy) { p.MonitorWindowHours = -1 }, true},
		{"empty cadence", func(p *RunPolicy) { p.Cadence = Cadence{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCadence_Validate(t *testing.T) {
	require.NoError(t, DefaultCadence().Validate())

	outOfOrder := Cadence{Steps: []CadenceStep{{Step: 1}, {Step: 3, DelayDays: 2}}}
	assert.Error(t, outOfOrder.Validate())

	decreasing := Cadence{Steps: []CadenceStep{{Step: 1}, {Step: 2, DelayDays: 5}, {Step: 3, DelayDays: 2}}}
	assert.Error(t, decreasing.Validate())

	delayedFirst := Cadence{Steps: []CadenceStep{{Step: 1, DelayDays: 1}}}
	assert.Error(t, delayedFirst.Validate())
}

func TestRunPolicy_WithDefaults(t *testing.T) {
	p := RunPolicy{DailyCap: 10, HourlyCap: 2}.WithDefaults()
	assert.Equal(t, "UTC", p.Timezone)
	assert.Equal(t, DefaultCadence(), p.Cadence)

	custom := Cadence{Steps: []CadenceStep{{Step: 1}}}
	kept := RunPolicy{Timezone: "Europe/Berlin", Cadence: custom}.WithDefaults()
	assert.Equal(t, "Europe/Berlin", kept.Timezone)
	assert.Equal(t, custom, kept.Cadence)
}

func TestRunPolicy_Helpers(t *testing.T) {
	p := validPolicy()
	assert.Equal(t, 8*time.Minute, p.MinSpacing())

	start, end := p.Window()
	assert.Equal(t, 0, start)
	assert.Equal(t, 24, end)

	loc, err := RunPolicy{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}
