package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookChatSender posts messages to a Slack-compatible incoming webhook.
type WebhookChatSender struct {
	webhookURL string
	httpClient *http.Client
}

func NewWebhookChatSender(webhookURL string) *WebhookChatSender {
	return &WebhookChatSender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookChatSender) SendChat(ctx context.Context, m ChatMessage) error {
	if s.webhookURL == "" {
		return fmt.Errorf("chat webhook url not configured")
	}

	body, err := json.Marshal(map[string]string{"text": m.Text})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post chat webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}

	return nil
}
