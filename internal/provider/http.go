package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/leads"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
)

const maxResponseBytes = 4 << 20

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithRetry overrides the in-call retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *HTTPClient) {
		c.retry = cfg
	}
}

// WithBreakers overrides the circuit breaker registry.
func WithBreakers(b *resilience.Breakers) Option {
	return func(c *HTTPClient) {
		c.breakers = b
	}
}

// HTTPClient talks to a generic JSON/HTTP outreach provider. It implements
// Sourcer, Sender, ReplyPoller and CredentialTester. Calls are rate limited,
// retried on transient errors and guarded by one circuit breaker per
// delivery account or mailbox.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *AdaptiveLimiter
	retry    resilience.RetryConfig
	breakers *resilience.Breakers
	log      *zap.Logger
}

// NewHTTPClient creates a client from provider config.
func NewHTTPClient(cfg config.ProviderConfig, opts ...Option) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := zap.L().With(zap.String("component", "provider.http"))

	breakerCfg := resilience.FromBreakerConfig(cfg.BreakerFailures, cfg.BreakerResetSecs)
	breakerCfg.OnStateChange = func(key string, from, to resilience.CircuitState) {
		log.Warn("provider circuit state changed",
			zap.String("key", key),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:  NewAdaptiveLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
		retry:    resilience.FromRetryConfig(cfg.RetryAttempts, cfg.RetryInitialMs, cfg.RetryMaxMs),
		breakers: resilience.NewBreakers(breakerCfg),
		log:      log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Breakers exposes the per-key circuit breakers.
func (c *HTTPClient) Breakers() *resilience.Breakers {
	return c.breakers
}

type wireLead struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Company   string `json:"company"`
	Title     string `json:"title"`
	Domain    string `json:"domain"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	SourceURL string `json:"source_url"`
}

type sourceRequest struct {
	Query string `json:"query"`
}

type sourceResponse struct {
	Leads []wireLead `json:"leads"`
}

// SourceLeads posts query to the sourcing endpoint.
func (c *HTTPClient) SourceLeads(ctx context.Context, query string) ([]leads.RawLead, error) {
	var resp sourceResponse
	if err := c.call(ctx, "source", "source_leads", http.MethodPost, "/v1/leads/search", sourceRequest{Query: query}, &resp, nil); err != nil {
		return nil, err
	}
	out := make([]leads.RawLead, 0, len(resp.Leads))
	for _, l := range resp.Leads {
		out = append(out, leads.RawLead(l))
	}
	return out, nil
}

type sendRequest struct {
	AccountID string    `json:"account_id"`
	To        Recipient `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	MessageID string    `json:"message_id"`
	Step      int       `json:"step"`
}

// SendMessage delivers msg. The message id doubles as the idempotency key
// so an in-call retry cannot produce a second send.
func (c *HTTPClient) SendMessage(ctx context.Context, accountID string, msg model.Message, to Recipient) (SendResult, error) {
	var res SendResult
	req := sendRequest{
		AccountID: accountID,
		To:        to,
		Subject:   msg.Subject,
		Body:      msg.Body,
		MessageID: msg.ID,
		Step:      msg.Step,
	}
	err := c.call(ctx, "send:"+accountID, "send_message", http.MethodPost, "/v1/messages", req, &res,
		map[string]string{"Idempotency-Key": msg.ID})
	if err != nil {
		return SendResult{}, err
	}
	if res.ProviderMessageID == "" && !res.Bounced {
		return SendResult{}, eris.New("provider: send accepted without provider message id")
	}
	return res, nil
}

type repliesResponse struct {
	Replies []Inbound `json:"replies"`
}

// PollReplies lists mailbox items received after since.
func (c *HTTPClient) PollReplies(ctx context.Context, mailbox string, since time.Time) ([]Inbound, error) {
	path := "/v1/mailboxes/" + url.PathEscape(mailbox) + "/replies?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var resp repliesResponse
	if err := c.call(ctx, "read:"+mailbox, "poll_replies", http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Replies, nil
}

type credentialRequest struct {
	Account string `json:"account"`
	Scope   Scope  `json:"scope"`
}

// TestCredentials checks account holds scope. It bypasses the circuit
// breakers so a preflight always reaches the provider.
func (c *HTTPClient) TestCredentials(ctx context.Context, account string, scope Scope) error {
	return resilience.Do(ctx, c.retryFor("test_credentials"), func(ctx context.Context) error {
		return c.once(ctx, "test_credentials", http.MethodPost, "/v1/credentials/test",
			credentialRequest{Account: account, Scope: scope}, nil, nil)
	})
}

func (c *HTTPClient) retryFor(op string) resilience.RetryConfig {
	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("http", op)
	}
	return cfg
}

func (c *HTTPClient) call(ctx context.Context, key, op, method, path string, in, out any, headers map[string]string) error {
	_, err := resilience.ExecuteVal(ctx, c.breakers.Get(key), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, resilience.Do(ctx, c.retryFor(op), func(ctx context.Context) error {
			return c.once(ctx, op, method, path, in, out, headers)
		})
	})
	return err
}

func (c *HTTPClient) once(ctx context.Context, op, method, path string, in, out any, headers map[string]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "provider: %s rate limiter wait", op)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return eris.Wrapf(err, "provider: marshal %s request", op)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return eris.Wrapf(err, "provider: create %s request", op)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "provider: %s", op)
		}
		return resilience.NewTransientError(eris.Wrapf(err, "provider: %s request", op), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "provider: read %s response", op), resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.OnRateLimit()
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, respBody)
	}
	c.limiter.OnSuccess()

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(respBody, out), "provider: decode %s response", op)
}

// maxErrorDetail caps, in bytes, how much of a non-JSON error body is kept.
const maxErrorDetail = 200

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// classifyStatus maps a non-2xx response to a transient or permanent error.
// A permanent error's reason is taken from the response body when present;
// spam and reputation rejections are reported with reason "spam".
func classifyStatus(op string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	detail := eb.Error
	if detail == "" {
		detail = strings.TrimSpace(string(body))
		if len(detail) > maxErrorDetail {
			cut := maxErrorDetail
			for cut > 0 && !utf8.RuneStart(detail[cut]) {
				cut--
			}
			detail = detail[:cut]
		}
	}
	err := eris.Errorf("provider: %s returned status %d: %s", op, status, detail)

	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}

	reason := eb.Reason
	switch {
	case reason != "":
	case resilience.IsSpamRejection(err):
		reason = "spam"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		reason = "unauthorized"
	default:
		reason = "rejected"
	}
	return resilience.NewPermanentError(err, reason)
}
