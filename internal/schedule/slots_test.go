package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/model"
)

func TestSlots_SendWindowRollsToNextDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	policy := model.RunPolicy{
		DailyCap: 30, HourlyCap: 6, MinSpacingMinutes: 8, Timezone: "America/New_York",
		SendWindowStartHour: 9, SendWindowEndHour: 17, Cadence: stepOnly(),
	}
	s, err := NewSlots(policy, nil)
	require.NoError(t, err)

	first, err := s.Reserve(time.Date(2026, 3, 2, 16, 55, 0, 0, ny))
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2026, 3, 2, 16, 55, 0, 0, ny)))

	second, err := s.Reserve(first)
	require.NoError(t, err)
	assert.True(t, second.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, ny)), "got %s", second.In(ny))

	early, err := s.Find(time.Date(2026, 3, 5, 6, 30, 0, 0, ny))
	require.NoError(t, err)
	assert.True(t, early.Equal(time.Date(2026, 3, 5, 9, 0, 0, 0, ny)))
	assert.Equal(t, 2, s.Len(), "Find does not reserve")
}

func TestSlots_DailyCapUsesPolicyTimezone(t *testing.T) {
	policy := model.RunPolicy{DailyCap: 2, HourlyCap: 2, MinSpacingMinutes: 0, Timezone: "Asia/Tokyo", Cadence: stepOnly()}
	s, err := NewSlots(policy, nil)
	require.NoError(t, err)

	// 14:00 UTC is 23:00 in Tokyo; the third slot must wait for the Tokyo day.
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := s.Reserve(start)
		require.NoError(t, err)
	}
	third, err := s.Reserve(start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC), third)
}

func TestSlots_SpacingAgainstLaterExistingSlot(t *testing.T) {
	policy := model.RunPolicy{DailyCap: 50, HourlyCap: 10, MinSpacingMinutes: 10, Timezone: "UTC", Cadence: stepOnly()}
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s, err := NewSlots(policy, []time.Time{base.Add(5 * time.Minute)})
	require.NoError(t, err)

	got, err := s.Reserve(base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Minute), got, "cannot sit 5 minutes before a held slot")
}

func TestSlots_RollingHourNotClockHour(t *testing.T) {
	policy := model.RunPolicy{DailyCap: 50, HourlyCap: 2, MinSpacingMinutes: 0, Timezone: "UTC", Cadence: stepOnly()}
	base := time.Date(2026, 3, 2, 12, 50, 0, 0, time.UTC)
	s, err := NewSlots(policy, []time.Time{base, base.Add(5 * time.Minute)})
	require.NoError(t, err)

	// 13:05 is a new clock hour but still inside [12:50, 13:50).
	got, err := s.Reserve(base.Add(15 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), got)
}

func TestSlots_SecondPrecision(t *testing.T) {
	policy := model.RunPolicy{DailyCap: 5, HourlyCap: 5, Timezone: "UTC", Cadence: stepOnly()}
	s, err := NewSlots(policy, nil)
	require.NoError(t, err)

	got, err := s.Reserve(time.Date(2026, 3, 2, 12, 0, 0, 1500, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 1, 0, time.UTC), got)
	assert.Len(t, s.Taken(), 1)
}
