package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"undeleterd/internal/diff"
)

// WebhookSink POSTs each event to an HTTP endpoint as a JSON object. The
// per-event dispatch timeout bounds the request; a non-2xx response is a
// delivery failure, isolated from the other sinks like any sink error.
type WebhookSink struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookSink returns a sink posting to url. token, when non-empty, is
// sent as a bearer token.
func NewWebhookSink(url, token string) *WebhookSink {
	return &WebhookSink{url: url, token: token, client: &http.Client{}}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, ev diff.ChangeEvent) error {
	body, err := json.Marshal(toRecord(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook delivery failed: %s", resp.Status)
	}
	return nil
}

// Close implements Sink.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
