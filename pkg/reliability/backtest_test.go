package reliability_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBacktestFoldsAreRollingOrigin(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 12, 12, 8, 8}
	res := reliability.Backtest(values, 2, 2)
	require.Len(t, res.Folds, 2)

	// Fold 0 trains on the first 5 points and tests [12, 12] against 10.
	f0 := res.Folds[0]
	assert.Equal(t, 0, f0.FoldIndex)
	assert.InDelta(t, 2.0, f0.MAE, 1e-9)
	assert.InDelta(t, 2.0, f0.RMSE, 1e-9)
	assert.InDelta(t, -2.0, f0.Bias, 1e-9)
	assert.InDelta(t, 100*2.0/12, f0.MAPE, 1e-6)

	// Fold 1 trains through the second 12 and tests [8, 8].
	f1 := res.Folds[1]
	assert.InDelta(t, 4.0, f1.MAE, 1e-9)
	assert.InDelta(t, 4.0, f1.Bias, 1e-9)
	assert.InDelta(t, 50.0, f1.MAPE, 1e-6)
	assert.InDelta(t, 100*8.0/20, f1.SMAPE, 1e-6)

	meanMAPE := (f0.MAPE + f1.MAPE) / 2
	assert.InDelta(t, meanMAPE, res.MAPE, 1e-9)
	want := int(100 - meanMAPE/2 - (f1.MAPE-f0.MAPE)/10)
	assert.Equal(t, want, res.Score)
}

func TestBacktestClampsFolds(t *testing.T) {
	res := reliability.Backtest([]float64{1, 2, 3, 4}, 10, 2)
	// n - (horizon+1) = 1 fold at most.
	require.Len(t, res.Folds, 1)

	res = reliability.Backtest([]float64{1, 2}, 5, 7)
	assert.Empty(t, res.Folds)
	assert.Zero(t, res.Score)
	assert.Zero(t, res.MAPE)
}

func TestBacktestPerfectSeriesScoresHundred(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 42
	}
	res := reliability.Backtest(values, 5, 7)
	// The oldest fold would start before the series and is dropped.
	require.Len(t, res.Folds, 4)
	assert.Equal(t, 1, res.Folds[0].FoldIndex)
	assert.Equal(t, 100, res.Score)
}

func TestBacktestScoreBounds(t *testing.T) {
	values := []float64{1, 1000, 0, 1e6, 0.001, 5, 1e9, 0, 3, 1e12, 0, 1}
	res := reliability.Backtest(values, 5, 1)
	assert.GreaterOrEqual(t, res.Score, 0)
	assert.LessOrEqual(t, res.Score, 100)
	for _, f := range res.Folds {
		assert.False(t, math.IsNaN(f.MAPE) || math.IsInf(f.MAPE, 0))
	}
}

func TestRunStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	start := metric.Date(2024, 1, 1)
	var rows []metric.DailyAggregate
	for i := range 40 {
		v := float64(100 + i%4)
		rows = append(rows, metric.DailyAggregate{MetricDate: start.AddDays(i), SourceID: src.ID, Metric: "orders", ValueSum: v, ValueCount: 1})
	}
	_, err = s.UpsertDailyAggregates(ctx, rows)
	require.NoError(t, err)

	clock := func() time.Time { return time.Date(2024, 2, 15, 22, 0, 0, 0, time.UTC) }
	b := reliability.New(s, zaptest.NewLogger(t)).WithClock(clock)

	snap, err := b.Run(ctx, reliability.Request{SourceName: "shop", Metric: "orders", Days: 30, Folds: 3, Horizon: 5})
	require.NoError(t, err)
	assert.NotZero(t, snap.ID)
	assert.Len(t, snap.Folds, 3)
	assert.Equal(t, "2024-02-15", snap.AsOfDate.String())
	assert.Greater(t, snap.Score, 90)

	latest, err := b.Latest(ctx, "shop", "orders")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
	assert.Len(t, latest.Folds, 3)
}

func TestRunWithoutHistory(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	_, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	b := reliability.New(s, nil)

	snap, err := b.Run(ctx, reliability.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	assert.Empty(t, snap.Folds)
	assert.Zero(t, snap.Score)

	_, err = b.Run(ctx, reliability.Request{SourceName: "ghost", Metric: "orders"})
	assert.ErrorIs(t, err, store.ErrUnknownSource)
}
