package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func newTestClient(srv *httptest.Server, cfg config.ProviderConfig, attempts int) *HTTPClient {
	cfg.BaseURL = srv.URL
	cfg.APIKey = "test-key"
	return NewHTTPClient(cfg, WithRetry(fastRetry(attempts)), WithHTTPClient(srv.Client()))
}

func TestHTTPClient_SourceLeads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/leads/search", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req sourceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cfo fintech", req.Query)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"leads":[{"email":"Ann@Acme.io","name":"Ann","company":"Acme"},{"text":"reach bob@beta.io"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 1)
	rows, err := c.SourceLeads(context.Background(), "cfo fintech")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ann@Acme.io", rows[0].Email)
	assert.Equal(t, "Acme", rows[0].Company)
	assert.Equal(t, "reach bob@beta.io", rows[1].Text)
}

func TestHTTPClient_SendMessage_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "msg-1", r.Header.Get("Idempotency-Key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acct-1", req.AccountID)
		assert.Equal(t, "ann@acme.io", req.To.Email)
		assert.Equal(t, 2, req.Step)
		_, _ = w.Write([]byte(`{"provider_message_id":"pm-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 3)
	res, err := c.SendMessage(context.Background(), "acct-1",
		model.Message{ID: "msg-1", Step: 2, Subject: "Hi", Body: "Hello"},
		Recipient{Email: "ann@acme.io"})
	require.NoError(t, err)
	assert.Equal(t, "pm-1", res.ProviderMessageID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPClient_SendMessage_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"mailbox does not exist","reason":"invalid_recipient"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 3)
	_, err := c.SendMessage(context.Background(), "acct-1", model.Message{ID: "m"}, Recipient{Email: "x@acme.io"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, resilience.IsSpamRejection(err))
	assert.EqualValues(t, 1, calls.Load())

	var pe *resilience.PermanentError
	require.True(t, eris.As(err, &pe))
	assert.Equal(t, "invalid_recipient", pe.Reason)
}

func TestHTTPClient_SendMessage_SpamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"message blocked after complaint threshold"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 1)
	_, err := c.SendMessage(context.Background(), "acct-1", model.Message{ID: "m"}, Recipient{Email: "x@acme.io"})
	require.Error(t, err)
	assert.True(t, resilience.IsSpamRejection(err))

	var pe *resilience.PermanentError
	require.True(t, eris.As(err, &pe))
	assert.Equal(t, "spam", pe.Reason)
}

func TestClassifyStatus_TruncatesOnRuneBoundary(t *testing.T) {
	// One ASCII byte shifts every two-byte rune so the byte cap lands mid-rune.
	body := []byte("a" + strings.Repeat("é", 150))

	err := classifyStatus("send message", http.StatusBadRequest, body)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "a"+strings.Repeat("é", 99))
	assert.NotContains(t, err.Error(), strings.Repeat("é", 100))
	assert.True(t, resilience.IsPermanent(err))
}

func TestHTTPClient_BreakerOpensPerAccount(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{BreakerFailures: 2, BreakerResetSecs: 60}, 1)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.SendMessage(ctx, "acct-1", model.Message{ID: "m"}, Recipient{Email: "x@acme.io"})
		require.Error(t, err)
		assert.True(t, resilience.IsTransient(err))
	}

	_, err := c.SendMessage(ctx, "acct-1", model.Message{ID: "m"}, Recipient{Email: "x@acme.io"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, resilience.CircuitOpen, c.Breakers().States()["send:acct-1"])

	// Another account has its own breaker.
	_, err = c.SendMessage(ctx, "acct-2", model.Message{ID: "m"}, Recipient{Email: "x@acme.io"})
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPClient_PollReplies(t *testing.T) {
	since := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/mailboxes/sales@acme.io/replies", r.URL.Path)
		assert.Equal(t, since.Format(time.RFC3339), r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"replies":[{"provider_reply_id":"r-1","kind":"reply","in_reply_to":"pm-1",
			"from_email":"ann@acme.io","snippet":"Sounds good","received_at":"2026-03-02T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 1)
	items, err := c.PollReplies(context.Background(), "sales@acme.io", since)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, InboundReply, items[0].Kind)
	assert.Equal(t, "pm-1", items[0].InReplyTo)
	assert.Equal(t, since.Add(time.Hour), items[0].ReceivedAt)
}

func TestHTTPClient_TestCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Scope == ScopeSend {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{}, 3)
	assert.NoError(t, c.TestCredentials(context.Background(), "acct-1", ScopeSend))

	err := c.TestCredentials(context.Background(), "acct-1", ScopeRead)
	require.Error(t, err)
	var pe *resilience.PermanentError
	require.True(t, eris.As(err, &pe))
	assert.Equal(t, "unauthorized", pe.Reason)
}

func TestHTTPClient_RateLimitedSlowsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.ProviderConfig{RatePerSec: 10}, 1)
	_, err := c.SourceLeads(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.InDelta(t, 5, float64(c.limiter.Limit()), 0.001)
}
