package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/jmoiron/sqlx"
)

// InsertReliabilitySnapshot appends a snapshot and its folds in one transaction and sets snap.ID.
func (s *SQLStore) InsertReliabilitySnapshot(ctx context.Context, snap *metric.ReliabilitySnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now().UTC()
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		err := q.QueryRowxContext(ctx, q.Rebind(`
			INSERT INTO reliability_snapshots (source_name, metric, as_of_date, score, mape, rmse, smape, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), snap.SourceName, snap.Metric, snap.AsOfDate, snap.Score, snap.MAPE, snap.RMSE, snap.SMAPE, snap.CreatedAt).Scan(&snap.ID)
		if err != nil {
			return fmt.Errorf("insert reliability snapshot: %w", err)
		}

		if len(snap.Folds) == 0 {
			return nil
		}

		ib := s.dialect.Flavor.NewInsertBuilder()
		ib.InsertInto("reliability_folds")
		ib.Cols("snapshot_id", "fold_index", "mae", "rmse", "mape", "smape", "bias")
		for i := range snap.Folds {
			f := &snap.Folds[i]
			f.SnapshotID = snap.ID
			ib.Values(f.SnapshotID, f.FoldIndex, f.MAE, f.RMSE, f.MAPE, f.SMAPE, f.Bias)
		}
		query, args := ib.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert reliability folds: %w", err)
		}
		return nil
	})
}

// LatestReliabilitySnapshot returns the snapshot with the greatest as_of_date, the newest run winning ties.
func (s *SQLStore) LatestReliabilitySnapshot(ctx context.Context, sourceName, metricName string) (metric.ReliabilitySnapshot, error) {
	q := s.q(ctx)
	var snap metric.ReliabilitySnapshot
	err := sqlx.GetContext(ctx, q, &snap, q.Rebind(`
		SELECT id, source_name, metric, as_of_date, score, mape, rmse, smape, created_at
		FROM reliability_snapshots
		WHERE source_name = ? AND metric = ?
		ORDER BY as_of_date DESC, id DESC
		LIMIT 1
	`), sourceName, metricName)
	if errors.Is(err, sql.ErrNoRows) {
		return metric.ReliabilitySnapshot{}, fmt.Errorf("reliability snapshot %s/%s: %w", sourceName, metricName, ErrNotFound)
	}
	if err != nil {
		return metric.ReliabilitySnapshot{}, fmt.Errorf("get reliability snapshot: %w", err)
	}

	err = sqlx.SelectContext(ctx, q, &snap.Folds, q.Rebind(`
		SELECT id, snapshot_id, fold_index, mae, rmse, mape, smape, bias
		FROM reliability_folds
		WHERE snapshot_id = ?
		ORDER BY fold_index
	`), snap.ID)
	if err != nil {
		return metric.ReliabilitySnapshot{}, fmt.Errorf("list reliability folds: %w", err)
	}
	return snap, nil
}
