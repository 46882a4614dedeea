package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/crmkit/impguard/internal/circuitbreaker"
	"github.com/crmkit/impguard/internal/httputil"
)

// WebhookNotifier posts notifications as JSON to an HTTP endpoint.
// It is used alongside or instead of SNS when tenants bring their own
// receiver (Slack relay, PagerDuty bridge, internal tooling).
type WebhookNotifier struct {
	client  *http.Client
	url     string
	breaker *circuitbreaker.Breaker
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	cfg := httputil.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.ResponseHeaderTimeout = 10 * time.Second

	return &WebhookNotifier{
		client:  httputil.NewClient(cfg),
		url:     url,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func NewWebhookNotifierWithClient(url string, client *http.Client) *WebhookNotifier {
	return &WebhookNotifier{
		client:  client,
		url:     url,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, notification Notification) error {
	err := n.breaker.Do(func() error {
		return n.post(ctx, notification)
	})
	if err != nil {
		return err
	}

	slog.Info("notification sent (webhook)",
		"type", notification.Type,
		"tenant_id", notification.TenantID,
		"admin_id", notification.AdminID,
	)

	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Impguard-Notification", string(notification.Type))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Subscribe is a no-op for webhooks; the endpoint is fixed at construction.
func (n *WebhookNotifier) Subscribe(ctx context.Context, topicArn, protocol, endpoint string) error {
	return nil
}

// MultiNotifier fans a notification out to several notifiers. Delivery is
// attempted on every target; the first error is returned after all sends.
type MultiNotifier struct {
	targets []Notifier
}

func NewMultiNotifier(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (n *MultiNotifier) Send(ctx context.Context, notification Notification) error {
	var firstErr error
	for _, target := range n.targets {
		if err := target.Send(ctx, notification); err != nil {
			slog.Warn("notification delivery failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *MultiNotifier) Subscribe(ctx context.Context, topicArn, protocol, endpoint string) error {
	for _, target := range n.targets {
		if err := target.Subscribe(ctx, topicArn, protocol, endpoint); err != nil {
			return err
		}
	}
	return nil
}
