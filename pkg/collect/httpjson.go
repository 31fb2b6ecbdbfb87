package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/jmespath/go-jmespath"
)

// maxBodyBytes bounds an HTTP JSON response.
const maxBodyBytes = 16 << 20

// HTTPJSONOptions configures an HTTPJSON collector.
type HTTPJSONOptions struct {
	Name    string
	Source  string
	URL     string
	Headers map[string]string
	// Expression selects the rows from the decoded response, e.g. "data.points[*]".
	// Empty means the response itself.
	Expression string
	// Metric fills rows that carry no metric column.
	Metric string
}

// HTTPJSON fetches a JSON document and extracts rows with a JMESPath expression.
type HTTPJSON struct {
	opts   HTTPJSONOptions
	expr   *jmespath.JMESPath
	client *http.Client
}

// NewHTTPJSON compiles the expression and creates the collector.
func NewHTTPJSON(opts HTTPJSONOptions) (*HTTPJSON, error) {
	c := &HTTPJSON{opts: opts, client: &http.Client{Timeout: 30 * time.Second}}
	if opts.Expression != "" {
		expr, err := jmespath.Compile(opts.Expression)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", opts.Expression, err)
		}
		c.expr = expr
	}
	return c, nil
}

func (c *HTTPJSON) Name() string   { return c.opts.Name }
func (c *HTTPJSON) Source() string { return c.opts.Source }

func (c *HTTPJSON) Collect(ctx context.Context) ([]normalize.Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", c.opts.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "kpiradar/1.0")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.opts.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s status %d", c.opts.Name, resp.StatusCode)
	}

	var doc any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.opts.Name, err)
	}
	return c.extract(doc)
}

func (c *HTTPJSON) extract(doc any) ([]normalize.Row, error) {
	result := doc
	if c.expr != nil {
		var err error
		result, err = c.expr.Search(doc)
		if err != nil {
			return nil, fmt.Errorf("evaluate expression %q: %w", c.opts.Expression, err)
		}
	}

	var items []any
	switch v := result.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	default:
		items = []any{v}
	}

	rows := make([]normalize.Row, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			b, _ := json.Marshal(item)
			rows = append(rows, normalize.MalformedRow(string(b)))
			continue
		}
		row := normalize.Row(obj)
		if _, has := row["metric"]; !has && c.opts.Metric != "" {
			row["metric"] = c.opts.Metric
		}
		rows = append(rows, row)
	}
	return rows, nil
}
