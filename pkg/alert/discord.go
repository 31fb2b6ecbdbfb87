package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: httpClient, webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	embed := map[string]any{
		"title":       n.Title(),
		"description": n.Body(),
		"color":       0xD93F0B,
		"timestamp":   n.Date.Midnight(),
		"fields": []map[string]any{
			{"name": "Source", "value": n.Source, "inline": true},
			{"name": "Metric", "value": n.Metric, "inline": true},
			{"name": "Detector", "value": n.Detector, "inline": true},
		},
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	if err := post(ctx, d.client, d.webhookURL, body, nil, http.StatusOK, http.StatusMultipleChoices-1); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
