// Package ingest writes raw rows for one source into the audit trail and the deduplicated event store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize   = 1000
	DefaultMaxWarnings = 50
)

// ErrBatchRejected is wrapped by RejectedError when strict mode finds an invalid row.
var ErrBatchRejected = errors.New("batch rejected")

// RowError locates one invalid row.
type RowError struct {
	Index  int              `json:"index"`
	Reason normalize.Reason `json:"reason"`
}

// RejectedError lists the invalid rows that caused a strict batch to be rejected.
// Rows is capped at the pipeline's warning limit; Total is the full count.
type RejectedError struct {
	Rows  []RowError `json:"rows"`
	Total int        `json:"total"`
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %d invalid rows", ErrBatchRejected, e.Total)
}

func (e *RejectedError) Unwrap() error { return ErrBatchRejected }

// Request describes one ingestion call.
type Request struct {
	SourceName    string
	DefaultMetric string
	Filename      string
	ContentType   string
	Strict        bool
	Rows          iter.Seq2[normalize.Row, error]
}

// Stats summarizes one ingestion call. IngestedRows counts valid rows attempted;
// Duplicates is the part of those that were already stored.
type Stats struct {
	SourceID     int64      `json:"source_id"`
	BatchID      string     `json:"batch_id"`
	IngestedRows int        `json:"ingested_rows"`
	SkippedRows  int        `json:"skipped_rows"`
	Duplicates   int        `json:"duplicates"`
	Warnings     []string   `json:"warnings"`
	FirstMetric  string     `json:"metric,omitempty"`
	Metrics      []string   `json:"metrics"`
	MinTimestamp *time.Time `json:"min_ts"`
	MaxTimestamp *time.Time `json:"max_ts"`
}

// Options configures a Pipeline. Zero values take the defaults.
type Options struct {
	BatchSize   int
	MaxWarnings int
	Logger      *zap.Logger
}

// Pipeline is the ingestion stage.
type Pipeline struct {
	store       store.Store
	batchSize   int
	maxWarnings int
	log         *zap.Logger
	now         func() time.Time
}

// New creates a Pipeline over s.
func New(s store.Store, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxWarnings <= 0 {
		opts.MaxWarnings = DefaultMaxWarnings
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:       s,
		batchSize:   opts.BatchSize,
		maxWarnings: opts.MaxWarnings,
		log:         opts.Logger,
		now:         time.Now,
	}
}

// Ingest runs one batch. All writes share one transaction, or a savepoint inside the caller's.
// In strict mode every row is validated first and any invalid row rejects the whole batch.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Stats, error) {
	name := strings.TrimSpace(req.SourceName)
	if name == "" {
		return nil, fmt.Errorf("ingest: source name is required")
	}
	if req.Rows == nil {
		req.Rows = SliceRows(nil)
	}

	mode := "tolerant"
	rows := req.Rows
	if req.Strict {
		mode = "strict"
		materialized, err := p.validateAll(req)
		if err != nil {
			metrics.IngestBatchesTotal.WithLabelValues(mode, "rejected").Inc()
			return nil, err
		}
		rows = SliceRows(materialized)
	}

	stats := &Stats{BatchID: uuid.NewString(), Warnings: []string{}, Metrics: []string{}}
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		return p.process(ctx, name, req, rows, stats)
	})
	if err != nil {
		metrics.IngestBatchesTotal.WithLabelValues(mode, "failed").Inc()
		return nil, fmt.Errorf("ingest %s: %w", name, err)
	}

	metrics.IngestBatchesTotal.WithLabelValues(mode, "ok").Inc()
	metrics.IngestRowsTotal.WithLabelValues(name, "inserted").Add(float64(stats.IngestedRows - stats.Duplicates))
	metrics.IngestRowsTotal.WithLabelValues(name, "duplicate").Add(float64(stats.Duplicates))
	metrics.IngestRowsTotal.WithLabelValues(name, "skipped").Add(float64(stats.SkippedRows))

	p.log.Info("ingested batch",
		zap.String("source", name),
		zap.String("batch_id", stats.BatchID),
		zap.Int("ingested", stats.IngestedRows),
		zap.Int("skipped", stats.SkippedRows),
		zap.Int("duplicates", stats.Duplicates),
	)
	return stats, nil
}

// validateAll materializes the rows and normalizes each one without writing anything.
func (p *Pipeline) validateAll(req Request) ([]normalize.Row, error) {
	var (
		rows    []normalize.Row
		invalid []RowError
		total   int
	)
	i := 0
	for row, err := range req.Rows {
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", i, err)
		}
		if res := normalize.Normalize(row, req.DefaultMetric); !res.OK() {
			total++
			if len(invalid) < p.maxWarnings {
				invalid = append(invalid, RowError{Index: i, Reason: res.Reason})
			}
		}
		rows = append(rows, row)
		i++
	}
	if total > 0 {
		return nil, &RejectedError{Rows: invalid, Total: total}
	}
	return rows, nil
}

func (p *Pipeline) process(ctx context.Context, name string, req Request, rows iter.Seq2[normalize.Row, error], stats *Stats) error {
	src, err := p.store.EnsureSource(ctx, name)
	if err != nil {
		return err
	}
	stats.SourceID = src.ID

	received := p.now().UTC()
	raw := make([]metric.RawEvent, 0, p.batchSize)
	clean := make([]metric.CleanEvent, 0, p.batchSize)
	seen := make(map[string]struct{})

	flushRaw := func() error {
		if err := p.store.InsertRawEvents(ctx, raw); err != nil {
			return err
		}
		raw = raw[:0]
		return nil
	}
	flushClean := func() error {
		inserted, err := p.store.InsertCleanEvents(ctx, clean)
		if err != nil {
			return err
		}
		stats.Duplicates += max(len(clean)-int(inserted), 0)
		clean = clean[:0]
		return nil
	}

	i := 0
	for row, err := range rows {
		if err != nil {
			return fmt.Errorf("read row %d: %w", i, err)
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		raw = append(raw, metric.RawEvent{
			SourceID:    src.ID,
			BatchID:     stats.BatchID,
			RowIndex:    i,
			ReceivedAt:  received,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			Payload:     payload,
		})
		if len(raw) >= p.batchSize {
			if err := flushRaw(); err != nil {
				return err
			}
		}

		res := normalize.Normalize(row, req.DefaultMetric)
		if !res.OK() {
			stats.SkippedRows++
			if len(stats.Warnings) < p.maxWarnings {
				stats.Warnings = append(stats.Warnings, fmt.Sprintf("row %d: %s", i, res.Reason))
			}
			i++
			continue
		}

		stats.track(res, seen)
		clean = append(clean, metric.CleanEvent{SourceID: src.ID, Timestamp: res.Timestamp, Metric: res.Metric, Value: res.Value})
		stats.IngestedRows++
		if len(clean) >= p.batchSize {
			if err := flushClean(); err != nil {
				return err
			}
		}
		i++
	}

	if err := flushRaw(); err != nil {
		return err
	}
	if err := flushClean(); err != nil {
		return err
	}
	slices.Sort(stats.Metrics)
	return nil
}

func (s *Stats) track(res normalize.Result, seen map[string]struct{}) {
	ts := res.Timestamp
	if s.MinTimestamp == nil || ts.Before(*s.MinTimestamp) {
		s.MinTimestamp = &ts
	}
	if s.MaxTimestamp == nil || ts.After(*s.MaxTimestamp) {
		s.MaxTimestamp = &ts
	}
	if s.FirstMetric == "" {
		s.FirstMetric = res.Metric
	}
	if _, ok := seen[res.Metric]; !ok {
		seen[res.Metric] = struct{}{}
		s.Metrics = append(s.Metrics, res.Metric)
	}
}

// Days returns the UTC date range covered by the valid rows, and false when there were none.
func (s *Stats) Days() (metric.Day, metric.Day, bool) {
	if s.MinTimestamp == nil || s.MaxTimestamp == nil {
		return metric.Day{}, metric.Day{}, false
	}
	return metric.NewDay(*s.MinTimestamp), metric.NewDay(*s.MaxTimestamp), true
}
