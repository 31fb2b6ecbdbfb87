package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{client: httpClient, webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Value:*\n%.4g", n.Value)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Score (%s):*\n%.3f", n.Detector, n.Score)},
	}
	if n.Expected != nil {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Forecast:*\n%.4g", *n.Expected)})
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": n.Title()},
		},
		{
			"type":   "section",
			"fields": fields,
		},
	}

	body, err := json.Marshal(map[string]any{"text": n.Title(), "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := post(ctx, s.client, s.webhookURL, body, nil, http.StatusOK, http.StatusOK); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
