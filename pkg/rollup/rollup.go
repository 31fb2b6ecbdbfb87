// Package rollup recomputes daily aggregates from clean events and serves them back.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"go.uber.org/zap"
)

// ErrInvalidField is returned for an unsupported distinct field or aggregation name.
var ErrInvalidField = errors.New("invalid field")

// Request selects what to recompute. SourceID wins over SourceName; with neither, every
// source is recomputed. Zero Start or End are derived from the stored events.
type Request struct {
	SourceID      int64
	SourceName    string
	Metric        string
	Start         metric.Day
	End           metric.Day
	DistinctField string
}

// Result summarizes one recompute.
type Result struct {
	RowsUpserted   int64      `json:"rows_upserted"`
	RowsAggregated int        `json:"rows_aggregated"`
	Metrics        []string   `json:"metrics"`
	StartDate      metric.Day `json:"start_date"`
	EndDate        metric.Day `json:"end_date"`
	NumDays        int        `json:"num_days"`
}

// Aggregator is the rollup stage.
type Aggregator struct {
	store store.Store
	log   *zap.Logger
}

// New creates an Aggregator over s.
func New(s store.Store, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{store: s, log: log}
}

// Run recomputes the selected daily aggregates in one transaction. Stored rows with the same
// key are replaced, so reruns over the same events converge on the same values.
func (a *Aggregator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.DistinctField != "" && !store.IsDistinctField(req.DistinctField) {
		return nil, fmt.Errorf("%w: distinct field %q (want id, value or ts)", ErrInvalidField, req.DistinctField)
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.End.Before(req.Start) {
		return nil, fmt.Errorf("%w: end date %s precedes start date %s", ErrInvalidField, req.End, req.Start)
	}

	sources, err := a.resolveSources(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{Metrics: []string{}}
	err = a.store.WithTx(ctx, func(ctx context.Context) error {
		for _, src := range sources {
			if err := a.runSource(ctx, src, req, res); err != nil {
				return fmt.Errorf("rollup %s: %w", src.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(res.Metrics)
	res.Metrics = slices.Compact(res.Metrics)
	if !res.StartDate.IsZero() {
		res.NumDays = res.StartDate.DaysUntil(res.EndDate) + 1
	}

	a.log.Info("rollup complete",
		zap.Int("sources", len(sources)),
		zap.Int64("rows_upserted", res.RowsUpserted),
		zap.Strings("metrics", res.Metrics),
	)
	return res, nil
}

func (a *Aggregator) resolveSources(ctx context.Context, req Request) ([]metric.Source, error) {
	if req.SourceID > 0 {
		all, err := a.store.ListSources(ctx)
		if err != nil {
			return nil, err
		}
		i := slices.IndexFunc(all, func(s metric.Source) bool { return s.ID == req.SourceID })
		if i < 0 {
			return nil, fmt.Errorf("source id %d: %w", req.SourceID, store.ErrUnknownSource)
		}
		return all[i : i+1], nil
	}
	if name := strings.TrimSpace(req.SourceName); name != "" {
		src, err := a.store.SourceByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return []metric.Source{src}, nil
	}
	return a.store.ListSources(ctx)
}

func (a *Aggregator) runSource(ctx context.Context, src metric.Source, req Request, res *Result) error {
	start, end := req.Start, req.End
	if start.IsZero() || end.IsZero() {
		minTS, maxTS, err := a.store.EventBounds(ctx, src.ID, req.Metric)
		if err != nil {
			return err
		}
		if minTS.IsZero() {
			return nil
		}
		if start.IsZero() {
			start = metric.NewDay(minTS)
		}
		if end.IsZero() {
			end = metric.NewDay(maxTS)
		}
	}
	if end.Before(start) {
		return nil
	}

	rows, err := a.store.AggregateEvents(ctx, store.AggregateQuery{
		SourceID:      src.ID,
		Metric:        req.Metric,
		Start:         start,
		End:           end,
		DistinctField: req.DistinctField,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	n, err := a.store.UpsertDailyAggregates(ctx, rows)
	if err != nil {
		return err
	}
	metrics.RollupRowsUpserted.WithLabelValues(src.Name).Add(float64(n))

	res.RowsUpserted += n
	res.RowsAggregated += len(rows)
	for _, r := range rows {
		res.Metrics = append(res.Metrics, r.Metric)
	}
	if res.StartDate.IsZero() || start.Before(res.StartDate) {
		res.StartDate = start
	}
	if res.EndDate.IsZero() || end.After(res.EndDate) {
		res.EndDate = end
	}
	return nil
}

// Window returns the inclusive day range [today-days+1, today] for scheduled recomputes.
func Window(now time.Time, days int) (metric.Day, metric.Day) {
	end := metric.NewDay(now)
	if days < 1 {
		days = 1
	}
	return end.AddDays(-(days - 1)), end
}
