package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink posts alert text to a chat-style incoming webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a Sink that POSTs {"text": "..."} to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Send(ctx context.Context, text string) error {
	if s.url == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("state: webhook sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}
