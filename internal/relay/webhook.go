package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"concord/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	URL    string
	Secret string
	client *http.Client
	filter eventFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		URL:    hook.URL,
		Secret: hook.Secret,
		client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.URL }

func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Concord-Event", msg.Type)
	req.Header.Set("X-Concord-Delivery", fmt.Sprintf("%d", msg.ID))
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Concord-Secret", s.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
