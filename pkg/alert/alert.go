// Package alert delivers anomaly notifications to chat and webhook destinations.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/elonfeng/kpiradar/pkg/metric"
)

// Notification describes one flagged point of a daily series.
type Notification struct {
	Source   string     `json:"source"`
	Metric   string     `json:"metric"`
	Date     metric.Day `json:"date"`
	Value    float64    `json:"value"`
	Score    float64    `json:"score"`
	Detector string     `json:"detector"`
	// Expected is the forecast for Date when one was stored.
	Expected *float64 `json:"expected,omitempty"`
}

// Title is the one-line summary used by chat notifiers.
func (n *Notification) Title() string {
	return fmt.Sprintf("Anomaly in %s/%s on %s", n.Source, n.Metric, n.Date)
}

// Body describes the flagged value.
func (n *Notification) Body() string {
	body := fmt.Sprintf("value %.4g, %s score %.3f", n.Value, n.Detector, n.Score)
	if n.Expected != nil {
		body += fmt.Sprintf(", forecast %.4g", *n.Expected)
	}
	return body
}

func (n *Notification) series() string {
	return n.Source + "\x00" + n.Metric
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier

	mu sync.Mutex
	// sent holds the last delivered date per series.
	sent map[string]metric.Day
}

// NewManager creates a new alert manager.
func NewManager(notifiers ...Notifier) *Manager {
	return &Manager{notifiers: notifiers, sent: make(map[string]metric.Day)}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Notify broadcasts n unless the same series was already notified for n.Date or a later
// date. It reports whether a broadcast was attempted. A failed broadcast is not
// remembered, so the next scan retries it.
func (m *Manager) Notify(ctx context.Context, n *Notification) (bool, error) {
	key := n.series()
	m.mu.Lock()
	last, seen := m.sent[key]
	m.mu.Unlock()
	if seen && !n.Date.After(last) {
		return false, nil
	}

	if err := m.Broadcast(ctx, n); err != nil {
		return true, err
	}

	m.mu.Lock()
	if prev, ok := m.sent[key]; !ok || n.Date.After(prev) {
		m.sent[key] = n.Date
	}
	m.mu.Unlock()
	return true, nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// post sends a JSON body and fails on any status outside okLow..okHigh.
func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, okLow, okHigh int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < okLow || resp.StatusCode > okHigh {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
