package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunStatus(t *testing.T) {
	st, err := ParseRunStatus("monitoring")
	require.NoError(t, err)
	assert.Equal(t, RunStatusMonitoring, st)

	_, err = ParseRunStatus("crawling")
	assert.Error(t, err)
	_, err = ParseRunStatus("")
	assert.Error(t, err)
}

func TestRunStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
		sendable bool
	}{
		{RunStatusQueued, false, false},
		{RunStatusPreflightFailed, true, false},
		{RunStatusSourcing, false, false},
		{RunStatusScheduled, false, true},
		{RunStatusSending, false, true},
		{RunStatusMonitoring, false, false},
		{RunStatusPaused, false, false},
		{RunStatusCompleted, true, false},
		{RunStatusCanceled, true, false},
		{RunStatusFailed, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.sendable, tt.status.Sendable())
		})
	}
}

func TestRun_ScopeKey(t *testing.T) {
	assert.Equal(t, "experiment:exp-1", (&Run{ExperimentID: "exp-1", CampaignID: "c-1"}).ScopeKey())
	assert.Equal(t, "campaign:c-1", (&Run{CampaignID: "c-1"}).ScopeKey())
	assert.Empty(t, (&Run{}).ScopeKey())
}

func TestTemplate_ForStep(t *testing.T) {
	tpl := Template{Steps: []StepCopy{
		{Subject: "Quick question", Body: "Hi"},
		{Subject: "Following up", Body: "Bumping this"},
	}}

	assert.Equal(t, "Following up", tpl.ForStep(2).Subject)
	assert.Equal(t, StepCopy{Subject: "Re: Quick question", Body: "Hi"}, tpl.ForStep(3))
	assert.Equal(t, StepCopy{}, Template{}.ForStep(1))
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("run-1", EventRunPaused, map[string]string{"reason": "operator"})
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, EventRunPaused, e.Type)
	assert.JSONEq(t, `{"reason":"operator"}`, string(e.Payload))

	bad := NewEvent("run-1", EventRunError, func() {})
	assert.Contains(t, string(bad.Payload), "marshal_error")
}

func TestJobType(t *testing.T) {
	for _, typ := range JobTypes {
		got, err := ParseJobType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseJobType("reindex")
	assert.Error(t, err)

	assert.True(t, JobSourceLeads.RunFatal())
	assert.True(t, JobScheduleMessages.RunFatal())
	assert.False(t, JobDispatchMessages.RunFatal())
	assert.False(t, JobSyncReplies.RunFatal())
	assert.False(t, JobAnalyzeRun.RunFatal())
}

func TestJob_DecodePayload(t *testing.T) {
	var p struct {
		Limit int `json:"limit"`
	}
	p.Limit = 7

	require.NoError(t, (&Job{}).DecodePayload(&p))
	assert.Equal(t, 7, p.Limit, "empty payload leaves the target untouched")

	require.NoError(t, (&Job{Payload: []byte(`{"limit":25}`)}).DecodePayload(&p))
	assert.Equal(t, 25, p.Limit)

	assert.Error(t, (&Job{Type: JobScheduleMessages, Payload: []byte(`{"limit":"x"}`)}).DecodePayload(&p))
}

func TestStatusParsers_RejectUnknown(t *testing.T) {
	_, err := ParseLeadStatus("bogus")
	assert.Error(t, err)
	_, err = ParseMessageStatus("queued")
	assert.Error(t, err)
	_, err = ParseJobStatus("done")
	assert.Error(t, err)
	_, err = ParseAnomalyType("hard_bounce")
	assert.Error(t, err)
	_, err = ParseSeverity("info")
	assert.Error(t, err)
	_, err = ParseAnomalyStatus("open")
	assert.Error(t, err)
	_, err = ParseSentiment("angry")
	assert.Error(t, err)
}

func TestLeadStatus_Contactable(t *testing.T) {
	assert.True(t, LeadStatusNew.Contactable())
	assert.True(t, LeadStatusScheduled.Contactable())
	assert.True(t, LeadStatusSent.Contactable())
	assert.False(t, LeadStatusReplied.Contactable())
	assert.False(t, LeadStatusBounced.Contactable())
	assert.False(t, LeadStatusUnsubscribed.Contactable())
	assert.False(t, LeadStatusSuppressed.Contactable())
}

func TestAnomaly_PausesRunAndOpen(t *testing.T) {
	assert.True(t, AnomalyHardBounceRate.PausesRun())
	assert.True(t, AnomalySpamComplaintRate.PausesRun())
	assert.False(t, AnomalyProviderErrorRate.PausesRun())
	assert.False(t, AnomalyNegativeReplySpike.PausesRun())

	assert.True(t, (&Anomaly{Status: AnomalyStatusAcknowledged}).Open())
	assert.False(t, (&Anomaly{Status: AnomalyStatusResolved}).Open())
}
