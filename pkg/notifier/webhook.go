// Package notifier posts build outcomes to a configured webhook, for CI
// pipelines that trigger patch builds unattended.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BuildEvent is the payload posted after a run finishes.
type BuildEvent struct {
	Status    string `json:"status"` // "success" or "failure"
	Module    string `json:"module,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
	Changed   int    `json:"changed,omitempty"`
	Unchanged int    `json:"unchanged,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	LogPath   string `json:"log_path,omitempty"`
}

// Client posts build events. An empty webhook URL disables it.
type Client struct {
	WebhookURL string
	HTTP       *http.Client
}

func NewClient(webhookURL string) *Client {
	return &Client{
		WebhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one build event. Notification failure never fails a build;
// callers log the returned error and move on.
func (c *Client) Send(ctx context.Context, ev BuildEvent) error {
	if c.WebhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
