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

const githubBaseURL = "https://api.github.com"

// GitHubOptions configures a GitHub collector.
type GitHubOptions struct {
	Source string
	Token  string
	// Repos are "owner/name" pairs.
	Repos   []string
	BaseURL string
}

// GitHub snapshots repository counters once per UTC day. Each repo yields
// "<owner>_<name>_stars", "_forks", "_open_issues" and "_watchers" rows stamped at midnight,
// so later snapshots on the same day are duplicates and the first one is kept.
type GitHub struct {
	opts   GitHubOptions
	client *http.Client
	now    func() time.Time
}

// NewGitHub creates a GitHub collector.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.Source == "" {
		opts.Source = "github"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = githubBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &GitHub{
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
}

func (g *GitHub) Name() string   { return "github" }
func (g *GitHub) Source() string { return g.opts.Source }

func (g *GitHub) Collect(ctx context.Context) ([]normalize.Row, error) {
	day := g.now().UTC().Truncate(24 * time.Hour).Format(time.RFC3339)

	var (
		mu   sync.Mutex
		rows []normalize.Row
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, full := range g.opts.Repos {
		eg.Go(func() error {
			repo, err := g.fetchRepo(gctx, full)
			if err != nil {
				return err
			}
			prefix := metricPrefix(repo.FullName)
			mu.Lock()
			rows = append(rows,
				normalize.Row{"timestamp": day, "metric": prefix + "_stars", "value": repo.Stars},
				normalize.Row{"timestamp": day, "metric": prefix + "_forks", "value": repo.Forks},
				normalize.Row{"timestamp": day, "metric": prefix + "_open_issues", "value": repo.OpenIssues},
				normalize.Row{"timestamp": day, "metric": prefix + "_watchers", "value": repo.Watchers},
			)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

type ghRepo struct {
	FullName   string `json:"full_name"`
	Stars      int    `json:"stargazers_count"`
	Forks      int    `json:"forks_count"`
	Watchers   int    `json:"subscribers_count"`
	OpenIssues int    `json:"open_issues_count"`
}

func (g *GitHub) fetchRepo(ctx context.Context, full string) (*ghRepo, error) {
	full = strings.Trim(strings.TrimSpace(full), "/")
	if strings.Count(full, "/") != 1 {
		return nil, fmt.Errorf("github repo %q: want owner/name", full)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.BaseURL+"/repos/"+full, nil)
	if err != nil {
		return nil, fmt.Errorf("create github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.opts.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch github repo %s: %w", full, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github repo %s status %d", full, resp.StatusCode)
	}

	var repo ghRepo
	if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
		return nil, fmt.Errorf("decode github repo %s: %w", full, err)
	}
	if repo.FullName == "" {
		repo.FullName = full
	}
	return &repo, nil
}

// metricPrefix turns "Owner/my-repo.go" into "owner_my_repo_go".
func metricPrefix(full string) string {
	return strings.ToLower(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(full))
}
