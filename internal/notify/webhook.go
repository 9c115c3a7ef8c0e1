package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"promptpilot/internal/config"
)

const (
	userAgent      = "promptpilot/1.0"
	webhookRetries = 3
)

// WebhookNotifier posts events as JSON to HTTP endpoints.
type WebhookNotifier struct {
	webhooks []webhookEndpoint
	client   *http.Client
	backoff  time.Duration // First retry delay, doubled per attempt
}

type webhookEndpoint struct {
	url      string
	patterns map[string]bool // nil means every pattern
	headers  map[string]string
	timeout  time.Duration
}

// NewWebhookNotifier creates a notifier for the configured endpoints.
// Entries without a URL are skipped.
func NewWebhookNotifier(configs []config.WebhookConfig) *WebhookNotifier {
	endpoints := make([]webhookEndpoint, 0, len(configs))

	for _, cfg := range configs {
		if cfg.URL == "" {
			continue
		}

		ep := webhookEndpoint{
			url:     cfg.URL,
			headers: cfg.Headers,
			timeout: 10 * time.Second,
		}
		if cfg.Timeout > 0 {
			ep.timeout = time.Duration(cfg.Timeout) * time.Second
		}
		if len(cfg.Patterns) > 0 {
			ep.patterns = make(map[string]bool, len(cfg.Patterns))
			for _, id := range cfg.Patterns {
				ep.patterns[id] = true
			}
		}

		endpoints = append(endpoints, ep)
	}

	return &WebhookNotifier{
		webhooks: endpoints,
		client:   &http.Client{Timeout: 30 * time.Second},
		backoff:  time.Second,
	}
}

// Name returns the notifier type.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// EndpointCount returns the number of configured webhook endpoints.
func (w *WebhookNotifier) EndpointCount() int {
	return len(w.webhooks)
}

// wants reports whether ep receives notifications for patternID. Filtered
// endpoints only receive pattern events naming one of their ids or "all".
func (ep webhookEndpoint) wants(patternID string) bool {
	if ep.patterns == nil || ep.patterns["all"] {
		return true
	}
	return patternID != "" && ep.patterns[patternID]
}

// Send posts the notification to every endpoint that wants it. All endpoints
// are tried; the last error is returned.
func (w *WebhookNotifier) Send(ctx context.Context, n *Notification) error {
	if len(w.webhooks) == 0 {
		return nil
	}

	data, err := NewEventFromNotification(n).JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for _, ep := range w.webhooks {
		if !ep.wants(n.PatternID) {
			continue
		}
		if err := w.sendToEndpoint(ctx, ep, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// sendToEndpoint posts data, retrying with exponential backoff.
func (w *WebhookNotifier) sendToEndpoint(ctx context.Context, ep webhookEndpoint, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < webhookRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff << (attempt - 1)):
			}
		}

		err := w.doRequest(ctx, ep, data)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("webhook %s failed after %d attempts: %w", ep.url, webhookRetries, lastErr)
}

func (w *WebhookNotifier) doRequest(ctx context.Context, ep webhookEndpoint, data []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range ep.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TestWebhook posts a test event to url and returns the result.
func TestWebhook(ctx context.Context, url string, headers map[string]string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	data, err := json.Marshal(&Event{
		Event:     "test",
		Timestamp: time.Now(),
		Title:     "Test Notification",
		Message:   "Webhook configuration is working",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w := &WebhookNotifier{client: &http.Client{Timeout: timeout}}
	return w.doRequest(ctx, webhookEndpoint{url: url, headers: headers, timeout: timeout}, data)
}
