package anomaly_test

import (
	"context"
	"math"
	"testing"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRollingZFlatWindow(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 100}
	scores := anomaly.RollingZ(values, 3, 3)

	assert.False(t, scores[0].Valid)
	assert.False(t, scores[1].Valid, "one prior value is not enough")
	for i := 2; i < 7; i++ {
		assert.True(t, scores[i].Valid)
		assert.False(t, scores[i].Outlier, "index %d", i)
		assert.Zero(t, scores[i].Value)
	}
	assert.True(t, scores[7].Outlier)
	assert.Equal(t, anomaly.FlatScore, scores[7].Value)
	assert.False(t, math.IsInf(scores[7].Value, 0))
}

func TestRollingZUsesSampleStdDev(t *testing.T) {
	scores := anomaly.RollingZ([]float64{1, 2, 3, 4, 10}, 4, 3)

	// Prior [1, 2]: mean 1.5, sample std sqrt(0.5).
	assert.InDelta(t, 2.1213203, scores[2].Value, 1e-6)
	// Prior [1, 2, 3, 4]: mean 2.5, sample std sqrt(5/3).
	assert.InDelta(t, 5.8094750, scores[4].Value, 1e-6)
	assert.True(t, scores[4].Outlier)
	assert.False(t, scores[3].Outlier)
}

func TestRollingZSkipsMissingValues(t *testing.T) {
	nan := math.NaN()
	scores := anomaly.RollingZ([]float64{5, nan, 6, nan, 5.5}, 4, 3)
	assert.False(t, scores[1].Valid)
	assert.False(t, scores[2].Valid, "only one valid prior value")
	assert.False(t, scores[3].Valid)
	assert.True(t, scores[4].Valid)
}

func TestRollingZHasNoLookAhead(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 50 + 10*math.Sin(float64(i)*0.7) + float64(i%5)
	}
	before := anomaly.RollingZ(values, 7, 2)

	for cut := 8; cut < len(values); cut += 7 {
		mutated := append([]float64(nil), values...)
		for j := cut; j < len(mutated); j++ {
			mutated[j] = mutated[j]*13 + 1000
		}
		after := anomaly.RollingZ(mutated, 7, 2)
		assert.Equal(t, before[:cut], after[:cut], "scores before index %d changed", cut)
	}
}

func noisy(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 4*math.Sin(float64(i)*1.3) + 3*math.Cos(float64(i)*0.4)
	}
	return out
}

func TestIsolationScoresFlagSpike(t *testing.T) {
	values := noisy(60)
	values[40] = 500

	scores := anomaly.IsolationScores(values, anomaly.ForestParams{})
	require.Len(t, scores, 60)
	assert.True(t, scores[40].Outlier)

	lowest := 0
	flagged := 0
	for i, s := range scores {
		if s.Value < scores[lowest].Value {
			lowest = i
		}
		if s.Outlier {
			flagged++
		}
	}
	assert.Equal(t, 40, lowest)
	assert.LessOrEqual(t, flagged, 6)

	again := anomaly.IsolationScores(values, anomaly.ForestParams{})
	assert.Equal(t, scores, again, "a fixed seed gives identical scores")
}

func TestIsolationScoresDegenerateSeries(t *testing.T) {
	for _, values := range [][]float64{nil, {1}, {1, 50}, {7, 7, 7, 7, 7}} {
		for _, s := range anomaly.IsolationScores(values, anomaly.ForestParams{}) {
			assert.False(t, s.Outlier)
			assert.Zero(t, s.Value)
		}
	}
}

func TestFeaturesBackfillWithGlobalStats(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	x := anomaly.Features(values)
	require.Len(t, x, len(values))

	// Global population mean 5 and std 2.
	assert.Equal(t, []float64{2, 5, 2, 0, (2 - 5) / (2 + 1e-6)}, x[0])
	assert.InDelta(t, 2.0, x[1][3], 1e-12)
	// Index 6 is the first full window.
	assert.InDelta(t, 31.0/7, x[6][1], 1e-12)

	flat := anomaly.Features([]float64{3, 3, 3, 3, 3, 3, 3, 3})
	assert.Equal(t, 1e-3, flat[7][2], "rolling std is floored")
	assert.Equal(t, 1.0, flat[0][2], "zero global std backfills as 1")
}

func seedSeries(t *testing.T, s store.Store, values []float64) {
	t.Helper()
	ctx := context.Background()
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	start := metric.Date(2024, 4, 1)
	rows := make([]metric.DailyAggregate, len(values))
	for i, v := range values {
		rows[i] = metric.DailyAggregate{MetricDate: start.AddDays(i), SourceID: src.ID, Metric: "orders", ValueSum: v, ValueCount: 2, ValueAvg: v / 2}
	}
	_, err = s.UpsertDailyAggregates(ctx, rows)
	require.NoError(t, err)
}

func TestServiceRolling(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedSeries(t, s, []float64{10, 10, 10, 10, 10, 10, 10, 100})
	svc := anomaly.NewService(s, zaptest.NewLogger(t))

	points, err := svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Window: 3, Threshold: 3})
	require.NoError(t, err)
	require.Len(t, points, 8)
	assert.Nil(t, points[0].Score)
	assert.Equal(t, "2024-04-08", points[7].Date.String())
	assert.True(t, points[7].IsOutlier)
	for _, p := range points[:7] {
		assert.False(t, p.IsOutlier)
	}

	points, err = svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Field: metric.FieldDistinct})
	require.NoError(t, err)
	for _, p := range points {
		assert.Nil(t, p.Score, "no distinct counts were stored")
	}

	points, err = svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Field: metric.FieldAvg, Window: 3})
	require.NoError(t, err)
	assert.Equal(t, 50.0, points[7].Value)
}

func TestServiceValidation(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedSeries(t, s, []float64{1, 2, 3})
	svc := anomaly.NewService(s, nil)

	tests := []struct {
		name string
		run  func() error
	}{
		{"window too small", func() error {
			_, err := svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Window: 1})
			return err
		}},
		{"negative threshold", func() error {
			_, err := svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Threshold: -1})
			return err
		}},
		{"bad field", func() error {
			_, err := svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "shop", Metric: "orders", Field: "value_max"})
			return err
		}},
		{"contamination too high", func() error {
			_, err := svc.IsolationForest(ctx, anomaly.ForestRequest{SourceName: "shop", Metric: "orders", Contamination: 0.6})
			return err
		}},
		{"too few estimators", func() error {
			_, err := svc.IsolationForest(ctx, anomaly.ForestRequest{SourceName: "shop", Metric: "orders", NEstimators: 5})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), anomaly.ErrInvalidParams)
		})
	}

	_, err := svc.Rolling(ctx, anomaly.ZScoreRequest{SourceName: "ghost", Metric: "orders"})
	assert.ErrorIs(t, err, store.ErrUnknownSource)
}

func TestServiceIsolationForest(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	values := noisy(45)
	values[30] = 400
	seedSeries(t, s, values)
	svc := anomaly.NewService(s, nil)

	points, err := svc.IsolationForest(ctx, anomaly.ForestRequest{SourceName: "shop", Metric: "orders", Contamination: 0.05, NEstimators: 200})
	require.NoError(t, err)
	require.Len(t, points, 45)
	assert.True(t, points[30].IsOutlier)
	for _, p := range points {
		require.NotNil(t, p.Score)
	}
}
