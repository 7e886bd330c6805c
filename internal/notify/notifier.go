// Package notify is the alert delivery boundary. Actual channel fan-out
// (Slack workspaces, mail servers) lives outside the dispatcher; this
// package posts alert payloads to a configured webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Notifier dispatches one alert notification.
type Notifier interface {
	Notify(ctx context.Context, alert *models.Alert) error
}

// NopNotifier drops notifications, used when no target is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *models.Alert) error { return nil }

// WebhookNotifier posts alerts as JSON to a webhook URL. The payload uses
// a Slack-compatible "text" field alongside the structured alert.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type webhookPayload struct {
	Text  string        `json:"text"`
	Alert *models.Alert `json:"alert"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	payload := webhookPayload{
		Text: fmt.Sprintf("[%s] %s: %s (server %s, value %.2f, threshold %.2f)",
			alert.Severity, alert.Title, alert.Description,
			alert.ServerID, alert.Value, alert.Threshold),
		Alert: alert,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification target returned status %d", resp.StatusCode)
	}

	n.logger.Debug("alert notification delivered",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)))
	return nil
}
