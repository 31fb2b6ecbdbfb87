// Package collect pulls metric rows from external feeds and APIs into the ingestion pipeline.
package collect

import (
	"context"
	"fmt"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/normalize"
	"go.uber.org/zap"
)

// Collector is the interface every puller implements.
type Collector interface {
	// Name identifies the collector in logs and metrics.
	Name() string
	// Source is the logical source the rows are ingested under.
	Source() string
	Collect(ctx context.Context) ([]normalize.Row, error)
}

// Ingester accepts a batch of rows.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Stats, error)
}

// Run collects from c and ingests the rows tolerantly under c's source.
func Run(ctx context.Context, ing Ingester, c Collector, log *zap.Logger) (*ingest.Stats, error) {
	if log == nil {
		log = zap.NewNop()
	}

	rows, err := c.Collect(ctx)
	if err != nil {
		metrics.CollectorRunsTotal.WithLabelValues(c.Name(), "failed").Inc()
		return nil, fmt.Errorf("collect %s: %w", c.Name(), err)
	}
	if len(rows) == 0 {
		metrics.CollectorRunsTotal.WithLabelValues(c.Name(), "empty").Inc()
		log.Debug("collector returned no rows", zap.String("collector", c.Name()))
		return &ingest.Stats{Warnings: []string{}, Metrics: []string{}}, nil
	}

	stats, err := ing.Ingest(ctx, ingest.Request{
		SourceName: c.Source(),
		Filename:   c.Name(),
		Rows:       ingest.SliceRows(rows),
	})
	if err != nil {
		metrics.CollectorRunsTotal.WithLabelValues(c.Name(), "failed").Inc()
		return nil, fmt.Errorf("ingest %s: %w", c.Name(), err)
	}

	metrics.CollectorRunsTotal.WithLabelValues(c.Name(), "ok").Inc()
	log.Info("collector run",
		zap.String("collector", c.Name()),
		zap.String("source", c.Source()),
		zap.Int("rows", len(rows)),
		zap.Int("ingested", stats.IngestedRows),
		zap.Int("duplicates", stats.Duplicates),
	)
	return stats, nil
}
