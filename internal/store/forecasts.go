package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/jmoiron/sqlx"
)

// UpsertForecastPoints writes points keyed by (source_id, metric, target_date); reruns overwrite.
func (s *SQLStore) UpsertForecastPoints(ctx context.Context, points []metric.ForecastPoint) error {
	if len(points) == 0 {
		return nil
	}

	now := s.now().UTC()
	ib := s.dialect.Flavor.NewInsertBuilder()
	ib.InsertInto("forecast_points")
	ib.Cols("source_id", "metric", "target_date", "yhat", "yhat_lower", "yhat_upper", "model_version", "created_at")
	for _, p := range points {
		ib.Values(p.SourceID, p.Metric, p.TargetDate, p.Yhat, p.YhatLower, p.YhatUpper, p.ModelVersion, now)
	}

	query, args := ib.Build()
	query += ` ON CONFLICT (source_id, metric, target_date) DO UPDATE SET
		yhat = excluded.yhat,
		yhat_lower = excluded.yhat_lower,
		yhat_upper = excluded.yhat_upper,
		model_version = excluded.model_version,
		created_at = excluded.created_at`

	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert forecast points: %w", err)
	}
	return nil
}

// ListForecastPoints returns points with target_date strictly after the given day, in date order.
func (s *SQLStore) ListForecastPoints(ctx context.Context, sourceID int64, metricName string, after metric.Day, limit int) ([]metric.ForecastPoint, error) {
	sb := s.dialect.Flavor.NewSelectBuilder()
	sb.Select("source_id", "metric", "target_date", "yhat", "yhat_lower", "yhat_upper", "model_version")
	sb.From("forecast_points")
	where := []string{sb.Equal("source_id", sourceID), sb.Equal("metric", metricName)}
	if !after.IsZero() {
		where = append(where, sb.GreaterThan("target_date", after))
	}
	sb.Where(where...)
	sb.OrderBy("target_date")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var points []metric.ForecastPoint
	if err := sqlx.SelectContext(ctx, s.q(ctx), &points, query, args...); err != nil {
		return nil, fmt.Errorf("list forecast points: %w", err)
	}
	return points, nil
}

func (s *SQLStore) CountForecastPoints(ctx context.Context, sourceID int64, metricName string) (int64, error) {
	q := s.q(ctx)
	var n int64
	err := sqlx.GetContext(ctx, q, &n,
		q.Rebind("SELECT COUNT(*) FROM forecast_points WHERE source_id = ? AND metric = ?"), sourceID, metricName)
	if err != nil {
		return 0, fmt.Errorf("count forecast points: %w", err)
	}
	return n, nil
}

// PruneStaleForecasts deletes points whose target date has since been observed.
func (s *SQLStore) PruneStaleForecasts(ctx context.Context) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM forecast_points
		WHERE target_date <= (
			SELECT MAX(d.metric_date) FROM metric_daily d
			WHERE d.source_id = forecast_points.source_id AND d.metric = forecast_points.metric
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("prune stale forecasts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune stale forecasts: rows affected: %w", err)
	}
	return n, nil
}

// UpsertForecastHealth replaces the health row for (source_id, metric, window_n).
func (s *SQLStore) UpsertForecastHealth(ctx context.Context, h metric.ForecastHealth) error {
	trained := h.TrainedAt
	if trained.IsZero() {
		trained = s.now()
	}

	q := s.q(ctx)
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO forecast_health (source_id, metric, window_n, horizon_n, mape, trained_at, train_start, train_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, metric, window_n) DO UPDATE SET
			horizon_n = excluded.horizon_n,
			mape = excluded.mape,
			trained_at = excluded.trained_at,
			train_start = excluded.train_start,
			train_end = excluded.train_end
	`), h.SourceID, h.Metric, h.WindowN, h.HorizonN, h.MAPE, trained.UTC(), h.TrainStart, h.TrainEnd)
	if err != nil {
		return fmt.Errorf("upsert forecast health %s: %w", h.Metric, err)
	}
	return nil
}

func (s *SQLStore) GetForecastHealth(ctx context.Context, sourceID int64, metricName string, windowN int) (metric.ForecastHealth, error) {
	q := s.q(ctx)
	var h metric.ForecastHealth
	err := sqlx.GetContext(ctx, q, &h, q.Rebind(`
		SELECT source_id, metric, window_n, horizon_n, mape, trained_at, train_start, train_end
		FROM forecast_health
		WHERE source_id = ? AND metric = ? AND window_n = ?
	`), sourceID, metricName, windowN)
	if errors.Is(err, sql.ErrNoRows) {
		return metric.ForecastHealth{}, fmt.Errorf("forecast health %s/%d: %w", metricName, windowN, ErrNotFound)
	}
	if err != nil {
		return metric.ForecastHealth{}, fmt.Errorf("get forecast health %s: %w", metricName, err)
	}
	return h, nil
}
