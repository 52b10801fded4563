package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
)

// Alert is the webhook payload for a raised or escalated anomaly.
type Alert struct {
	RunID     string            `json:"run_id"`
	AnomalyID string            `json:"anomaly_id"`
	Type      model.AnomalyType `json:"type"`
	Severity  model.Severity    `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]any    `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewAlert describes a.
func NewAlert(a *model.Anomaly, now time.Time) Alert {
	return Alert{
		RunID:     a.RunID,
		AnomalyID: a.ID,
		Type:      a.Type,
		Severity:  a.Severity,
		Message: fmt.Sprintf("run %s: %s at %.2f%% crosses %s threshold %.2f%%",
			a.RunID, a.Type, a.Observed*100, a.Severity, a.Threshold*100),
		Details:   a.Details,
		Timestamp: now,
	}
}

// Alerter delivers alerts. It returns how many were delivered.
type Alerter interface {
	Send(ctx context.Context, alerts []Alert) int
}

// WebhookAlerter posts each alert as JSON to a webhook URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter for url. An empty url disables
// delivery.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers alerts; failures are logged and skipped.
func (w *WebhookAlerter) Send(ctx context.Context, alerts []Alert) int {
	if w.url == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := w.post(ctx, alert); err != nil {
			zap.L().Error("anomaly: failed to send alert",
				zap.String("run_id", alert.RunID),
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("anomaly: alert sent",
			zap.String("run_id", alert.RunID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
		)
		sent++
	}
	return sent
}

func (w *WebhookAlerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "anomaly: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "anomaly: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "anomaly: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("anomaly: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
