package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elonfeng/kpiradar/pkg/normalize"
	"golang.org/x/sync/errgroup"
)

const hnBaseURL = "https://hacker-news.firebaseio.com/v0"

// HackerNews emits matching top stories as rows: "<prefix>_stories" with value 1 and
// "<prefix>_points" with the story score, both at the story's submission time.
type HackerNews struct {
	source  string
	baseURL string
	prefix  string
	client  *http.Client
	limit   int
	filter  *Filter
}

// HackerNewsOptions configures a HackerNews collector.
type HackerNewsOptions struct {
	Source  string
	Limit   int
	Prefix  string
	BaseURL string
	Filter  *Filter
}

// NewHackerNews creates a HackerNews collector.
func NewHackerNews(opts HackerNewsOptions) *HackerNews {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Prefix == "" {
		opts.Prefix = "hn"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = hnBaseURL
	}
	if opts.Source == "" {
		opts.Source = "hackernews"
	}
	return &HackerNews{
		source:  opts.Source,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		prefix:  opts.Prefix,
		client:  &http.Client{Timeout: 30 * time.Second},
		limit:   opts.Limit,
		filter:  opts.Filter,
	}
}

func (h *HackerNews) Name() string   { return "hackernews" }
func (h *HackerNews) Source() string { return h.source }

func (h *HackerNews) Collect(ctx context.Context) ([]normalize.Row, error) {
	ids, err := h.fetchTopStories(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > h.limit {
		ids = ids[:h.limit]
	}

	var (
		mu   sync.Mutex
		rows []normalize.Row
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, id := range ids {
		g.Go(func() error {
			story, err := h.fetchItem(gctx, id)
			if err != nil || story == nil {
				return nil
			}
			if !h.filter.Match(story.Title + " " + story.URL) {
				return nil
			}

			ts := time.Unix(story.Time, 0).UTC().Format(time.RFC3339)
			mu.Lock()
			rows = append(rows,
				normalize.Row{"timestamp": ts, "metric": h.prefix + "_stories", "value": 1, "id": story.ID},
				normalize.Row{"timestamp": ts, "metric": h.prefix + "_points", "value": story.Score, "id": story.ID},
			)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

type hnStory struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Score       int    `json:"score"`
	Time        int64  `json:"time"`
	Descendants int    `json:"descendants"`
	Type        string `json:"type"`
}

func (h *HackerNews) fetchTopStories(ctx context.Context) ([]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/topstories.json", nil)
	if err != nil {
		return nil, fmt.Errorf("create hn request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn top stories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn top stories status %d", resp.StatusCode)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode hn top stories: %w", err)
	}
	return ids, nil
}

func (h *HackerNews) fetchItem(ctx context.Context, id int) (*hnStory, error) {
	url := fmt.Sprintf("%s/item/%d.json", h.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create hn item request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn item %d: %w", id, err)
	}
	defer resp.Body.Close()

	var story hnStory
	if err := json.NewDecoder(resp.Body).Decode(&story); err != nil {
		return nil, fmt.Errorf("decode hn item %d: %w", id, err)
	}

	if story.Type != "story" || story.Time == 0 {
		return nil, nil
	}
	return &story, nil
}
