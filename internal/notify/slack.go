package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SlackSink posts notifications to a Slack incoming webhook. Operators
// point SLACK_WEBHOOK_URL at a channel to mirror popup/email alerts.
type SlackSink struct {
	WebhookURL string
	Client     *http.Client
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *SlackSink) Send(ctx context.Context, n Notification) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(slackPayload{
		Text: fmt.Sprintf("*%s*\n%s", n.Title, n.Body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
