package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"reportline/internal/async"
	"reportline/internal/config"
)

// WebhookEvent is the JSON body posted to configured endpoints after a
// successful mutation.
type WebhookEvent struct {
	Type     string `json:"type"`
	ReportID string `json:"report_id"`
	ActorID  string `json:"actor_id"`
	Version  int64  `json:"version"`
	Status   string `json:"status"`
	TS       string `json:"ts"`
	Delivery string `json:"delivery"`
}

// Notifier posts mutation events to the configured webhook endpoints.
// Delivery runs inside the executor, so a flaky endpoint is retried with
// backoff and eventually dead-lettered rather than blocking a request.
type Notifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger
}

func NewNotifier(hooks []config.WebhookConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	enabled := make([]config.WebhookConfig, 0, len(hooks))
	for _, h := range hooks {
		if h.URL != "" && h.IsEnabled() {
			enabled = append(enabled, h)
		}
	}
	return &Notifier{
		hooks:  enabled,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (n *Notifier) HasHooks() bool { return len(n.hooks) > 0 }

// DeliverOp returns the executor operation that posts evt to every matching
// endpoint. A single failing endpoint fails the whole delivery; endpoints are
// expected to treat repeated deliveries of one delivery id as duplicates.
func (n *Notifier) DeliverOp(evt WebhookEvent) async.Operation {
	return func(ctx context.Context) (any, error) {
		body, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("encode webhook event: %w", err)
		}
		delivered := 0
		for _, hook := range n.hooks {
			if !hook.Matches(evt.Type) {
				continue
			}
			if err := n.post(ctx, hook, evt, body); err != nil {
				return nil, err
			}
			delivered++
		}
		return delivered, nil
	}
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, evt WebhookEvent, body []byte) error {
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request for %s: %w", hook.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reportline-Event", evt.Type)
	req.Header.Set("X-Reportline-Delivery", evt.Delivery)
	if hook.Secret != "" {
		req.Header.Set("X-Reportline-Secret", hook.Secret)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook to %s: %w", hook.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned status %d", hook.URL, resp.StatusCode)
	}
	n.logger.Debug("webhook delivered", "url", hook.URL, "event", evt.Type, "delivery", evt.Delivery)
	return nil
}
