package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/jmoiron/sqlx"
)

// distinctColumns are the clean event columns a distinct count may run over.
var distinctColumns = map[string]string{
	"id":    "id",
	"value": "value",
	"ts":    "ts",
}

// upsertChunk bounds the rows per multi-row insert or upsert statement.
const upsertChunk = 500

// IsDistinctField reports whether name can be used as AggregateQuery.DistinctField.
func IsDistinctField(name string) bool {
	_, ok := distinctColumns[name]
	return ok
}

// AggregateEvents groups clean events by UTC day, source and metric. value_avg is derived here
// from sum and count so every backend agrees on it.
func (s *SQLStore) AggregateEvents(ctx context.Context, q AggregateQuery) ([]metric.DailyAggregate, error) {
	bucket := s.dialect.DayBucket("ts")

	sb := s.dialect.Flavor.NewSelectBuilder()
	cols := []string{
		sb.As(bucket, "metric_date"),
		"source_id",
		"metric",
		sb.As("SUM(value)", "value_sum"),
		sb.As("COUNT(*)", "value_count"),
	}
	if q.DistinctField != "" {
		col, ok := distinctColumns[q.DistinctField]
		if !ok {
			return nil, fmt.Errorf("aggregate events: unsupported distinct field %q", q.DistinctField)
		}
		cols = append(cols, sb.As(fmt.Sprintf("COUNT(DISTINCT %s)", col), "value_distinct"))
	}
	sb.Select(cols...)
	sb.From("clean_events")

	where := []string{sb.Equal("source_id", q.SourceID)}
	if q.Metric != "" {
		where = append(where, sb.Equal("metric", q.Metric))
	}
	if !q.Start.IsZero() {
		where = append(where, sb.GreaterEqualThan("ts", q.Start.Time()))
	}
	if !q.End.IsZero() {
		where = append(where, sb.LessThan("ts", q.End.AddDays(1).Time()))
	}
	sb.Where(where...)
	sb.GroupBy(bucket, "source_id", "metric")
	sb.OrderBy("metric_date", "metric")

	query, args := sb.Build()
	var rows []metric.DailyAggregate
	if err := sqlx.SelectContext(ctx, s.q(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}

	out := rows[:0]
	for _, r := range rows {
		if r.ValueCount == 0 {
			continue
		}
		r.ValueAvg = r.ValueSum / float64(r.ValueCount)
		out = append(out, r)
	}
	return out, nil
}

// UpsertDailyAggregates writes rows, replacing any stored aggregate with the same key.
func (s *SQLStore) UpsertDailyAggregates(ctx context.Context, rows []metric.DailyAggregate) (int64, error) {
	var total int64
	for chunk := range slices.Chunk(rows, upsertChunk) {
		ib := s.dialect.Flavor.NewInsertBuilder()
		ib.InsertInto("metric_daily")
		ib.Cols("metric_date", "source_id", "metric", "value_sum", "value_avg", "value_count", "value_distinct")
		for _, r := range chunk {
			ib.Values(r.MetricDate, r.SourceID, r.Metric, r.ValueSum, r.ValueAvg, r.ValueCount, r.ValueDistinct)
		}

		query, args := ib.Build()
		query += ` ON CONFLICT (metric_date, source_id, metric) DO UPDATE SET
			value_sum = excluded.value_sum,
			value_avg = excluded.value_avg,
			value_count = excluded.value_count,
			value_distinct = excluded.value_distinct`

		if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
			return total, fmt.Errorf("upsert daily aggregates: %w", err)
		}
		total += int64(len(chunk))
	}
	return total, nil
}

// ListDailyAggregates returns stored rows ordered by date then metric.
func (s *SQLStore) ListDailyAggregates(ctx context.Context, q DailyQuery) ([]metric.DailyAggregate, error) {
	sb := s.dialect.Flavor.NewSelectBuilder()
	sb.Select("metric_date", "source_id", "metric", "value_sum", "value_avg", "value_count", "value_distinct")
	sb.From("metric_daily")

	where := []string{sb.Equal("source_id", q.SourceID)}
	if q.Metric != "" {
		where = append(where, sb.Equal("metric", q.Metric))
	}
	if !q.Start.IsZero() {
		where = append(where, sb.GreaterEqualThan("metric_date", q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, sb.LessEqualThan("metric_date", q.End))
	}
	sb.Where(where...)
	if q.Latest {
		sb.OrderBy("metric_date DESC", "metric DESC")
	} else {
		sb.OrderBy("metric_date", "metric")
	}
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	query, args := sb.Build()
	var rows []metric.DailyAggregate
	if err := sqlx.SelectContext(ctx, s.q(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list daily aggregates: %w", err)
	}
	if q.Latest {
		slices.Reverse(rows)
	}
	return rows, nil
}

func (s *SQLStore) ListMetricNames(ctx context.Context, sourceID int64) ([]string, error) {
	q := s.q(ctx)
	var names []string
	err := sqlx.SelectContext(ctx, q, &names,
		q.Rebind("SELECT DISTINCT metric FROM metric_daily WHERE source_id = ? ORDER BY metric"), sourceID)
	if err != nil {
		return nil, fmt.Errorf("list metric names: %w", err)
	}
	return names, nil
}

// ListSeries returns every (source, metric) pair with at least one daily aggregate.
func (s *SQLStore) ListSeries(ctx context.Context) ([]SeriesKey, error) {
	var keys []SeriesKey
	err := sqlx.SelectContext(ctx, s.q(ctx), &keys, `
		SELECT DISTINCT d.source_id AS source_id, s.name AS source_name, d.metric AS metric
		FROM metric_daily d
		JOIN sources s ON s.id = d.source_id
		ORDER BY source_name, metric
	`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return keys, nil
}

// LastMetricDate returns the latest aggregated date of a series, or the zero Day when it has none.
func (s *SQLStore) LastMetricDate(ctx context.Context, sourceID int64, metricName string) (metric.Day, error) {
	q := s.q(ctx)
	var last metric.Day
	err := q.QueryRowxContext(ctx,
		q.Rebind("SELECT MAX(metric_date) FROM metric_daily WHERE source_id = ? AND metric = ?"),
		sourceID, metricName).Scan(&last)
	if err != nil {
		return metric.Day{}, fmt.Errorf("last metric date: %w", err)
	}
	return last, nil
}
