package collect

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// Feed is a named RSS/Atom feed URL. Metric defaults to "<name>_entries".
type Feed struct {
	Name   string
	URL    string
	Metric string
}

func (f Feed) metric() string {
	if f.Metric != "" {
		return f.Metric
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(f.Name), " ", "_")) + "_entries"
}

// RSS turns feed entries into one row of value 1 per entry at its publish time, so the daily
// rollup counts entries per day. Entries without a publish or update time are skipped.
type RSS struct {
	source string
	client *http.Client
	parser *gofeed.Parser
	feeds  []Feed
	filter *Filter
	log    *zap.Logger
}

// NewRSS creates an RSS collector ingesting under source.
func NewRSS(source string, feeds []Feed, filter *Filter, log *zap.Logger) *RSS {
	if log == nil {
		log = zap.NewNop()
	}
	return &RSS{
		source: source,
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		feeds:  feeds,
		filter: filter,
		log:    log,
	}
}

func (r *RSS) Name() string   { return "rss" }
func (r *RSS) Source() string { return r.source }

// Collect reads every feed. A failing feed is logged and skipped; Collect fails only when all do.
func (r *RSS) Collect(ctx context.Context) ([]normalize.Row, error) {
	var (
		rows    []normalize.Row
		lastErr error
		failed  int
	)
	for _, feed := range r.feeds {
		got, err := r.collectFeed(ctx, feed)
		if err != nil {
			r.log.Warn("rss feed failed", zap.String("feed", feed.Name), zap.Error(err))
			lastErr = err
			failed++
			continue
		}
		rows = append(rows, got...)
	}
	if failed > 0 && failed == len(r.feeds) {
		return nil, lastErr
	}
	return rows, nil
}

func (r *RSS) collectFeed(ctx context.Context, feed Feed) ([]normalize.Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create rss request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "kpiradar/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rss %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse rss %s: %w", feed.Name, err)
	}

	metricName := feed.metric()
	var rows []normalize.Row
	for _, entry := range parsed.Items {
		var published time.Time
		switch {
		case entry.PublishedParsed != nil:
			published = entry.PublishedParsed.UTC()
		case entry.UpdatedParsed != nil:
			published = entry.UpdatedParsed.UTC()
		default:
			continue
		}

		if !r.filter.Match(entry.Title + " " + entry.Description) {
			continue
		}

		rows = append(rows, normalize.Row{
			"timestamp": published.Format(time.RFC3339Nano),
			"metric":    metricName,
			"value":     1,
			"feed":      feed.Name,
			"guid":      entry.GUID,
			"title":     entry.Title,
		})
	}
	return rows, nil
}
