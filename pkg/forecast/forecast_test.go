package forecast_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var firstDay = metric.Date(2024, 3, 1)

// seedDaily stores one daily aggregate per value starting at firstDay.
func seedDaily(t *testing.T, s store.Store, name, metricName string, values []float64) metric.Source {
	t.Helper()
	ctx := context.Background()
	src, err := s.EnsureSource(ctx, name)
	require.NoError(t, err)

	rows := make([]metric.DailyAggregate, len(values))
	for i, v := range values {
		rows[i] = metric.DailyAggregate{
			MetricDate: firstDay.AddDays(i),
			SourceID:   src.ID,
			Metric:     metricName,
			ValueSum:   v,
			ValueAvg:   v,
			ValueCount: 1,
		}
	}
	_, err = s.UpsertDailyAggregates(ctx, rows)
	require.NoError(t, err)
	return src
}

func weekly(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i) + 20*math.Sin(2*math.Pi*float64(i)/7)
	}
	return out
}

func TestRunProducesStrictlyFutureDates(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src := seedDaily(t, s, "shop", "orders", weekly(30))
	e := forecast.New(s, forecast.Options{Logger: zaptest.NewLogger(t)})

	run, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: 7})
	require.NoError(t, err)
	require.Len(t, run.Points, 7)

	last := firstDay.AddDays(29)
	assert.Equal(t, last, run.LastObserved)
	for i, p := range run.Points {
		assert.Equal(t, last.AddDays(i+1), p.TargetDate)
		assert.True(t, p.TargetDate.After(last))
		assert.LessOrEqual(t, p.YhatLower, p.Yhat)
		assert.LessOrEqual(t, p.Yhat, p.YhatUpper)
		assert.False(t, math.IsNaN(p.Yhat) || math.IsInf(p.Yhat, 0))
	}
	assert.Equal(t, forecast.VersionSARIMA, run.ModelVersion)

	_, err = e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: 7})
	require.NoError(t, err)
	n, err := s.CountForecastPoints(ctx, src.ID, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 7, n, "reruns overwrite the same target dates")
}

func TestRunSeasonal(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedDaily(t, s, "shop", "orders", weekly(42))
	e := forecast.New(s, forecast.Options{Seasonal: true})

	run, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	assert.Len(t, run.Points, forecast.DefaultHorizon)
	assert.Contains(t, []string{forecast.VersionSeasonalSARIMA, forecast.VersionNaive}, run.ModelVersion)
}

func TestRunShortHistoryHoldsLastValue(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedDaily(t, s, "shop", "orders", []float64{3, 5, 8, 13, 21})
	e := forecast.New(s, forecast.Options{})

	run, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: 3})
	require.NoError(t, err)
	assert.Equal(t, forecast.VersionNaive, run.ModelVersion)
	require.Len(t, run.Points, 3)
	for _, p := range run.Points {
		assert.Equal(t, 21.0, p.Yhat)
		assert.Equal(t, p.Yhat, p.YhatLower)
		assert.Equal(t, p.Yhat, p.YhatUpper)
	}
	assert.Equal(t, firstDay.AddDays(5), run.Points[0].TargetDate)
}

func TestRunZeroHistory(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedDaily(t, s, "shop", "orders", make([]float64, 20))
	e := forecast.New(s, forecast.Options{})

	run, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	assert.Equal(t, forecast.VersionZeros, run.ModelVersion)
	for _, p := range run.Points {
		assert.Zero(t, p.Yhat)
	}
}

func TestRunGapFillsMissingDays(t *testing.T) {
	values := weekly(20)
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	var rows []metric.DailyAggregate
	for i, v := range values {
		if i%5 == 2 {
			continue
		}
		rows = append(rows, metric.DailyAggregate{MetricDate: firstDay.AddDays(i), SourceID: src.ID, Metric: "orders", ValueSum: v, ValueCount: 1})
	}
	_, err = s.UpsertDailyAggregates(ctx, rows)
	require.NoError(t, err)

	series, err := forecast.LoadSeries(ctx, s, src.ID, "orders")
	require.NoError(t, err)
	assert.Len(t, series.Values, 20)
	assert.Equal(t, 16, series.Observed)
	assert.Zero(t, series.Values[2])
	assert.Equal(t, firstDay.AddDays(19), series.Last())
}

func TestRunHorizonValidation(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedDaily(t, s, "shop", "orders", weekly(20))
	e := forecast.New(s, forecast.Options{})

	_, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: 31})
	assert.ErrorIs(t, err, forecast.ErrInvalidHorizon)
	_, err = e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: -1})
	assert.ErrorIs(t, err, forecast.ErrInvalidHorizon)

	_, err = e.Run(ctx, forecast.Request{SourceName: "ghost", Metric: "orders"})
	assert.ErrorIs(t, err, store.ErrUnknownSource)

	run, err := e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", EndDate: firstDay.AddDays(22)})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Horizon)

	run, err = e.Run(ctx, forecast.Request{SourceName: "shop", Metric: "orders", EndDate: firstDay})
	require.NoError(t, err)
	assert.Zero(t, run.Horizon)
	assert.Empty(t, run.Points)
}

func TestDailyReturnsSevenPublicPoints(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seedDaily(t, s, "shop", "orders", weekly(30))
	e := forecast.New(s, forecast.Options{})

	for _, horizon := range []int{3, 7, 14} {
		points, err := e.Daily(ctx, forecast.Request{SourceName: "shop", Metric: "orders", Horizon: horizon})
		require.NoError(t, err)
		require.Len(t, points, forecast.PublicLength)
		for i, p := range points {
			assert.Equal(t, firstDay.AddDays(30+i).Midnight(), p.MetricDate)
			assert.Equal(t, "orders", p.Metric)
			assert.LessOrEqual(t, p.YhatLower, p.YhatUpper)
		}
	}
}

func TestDailyEmptySeriesAnchorsAfterToday(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	_, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	e := forecast.New(s, forecast.Options{})

	points, err := e.Daily(ctx, forecast.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	require.Len(t, points, forecast.PublicLength)
	tomorrow := metric.Today(time.Now).AddDays(1)
	assert.Equal(t, tomorrow.Midnight(), points[0].MetricDate)
	for _, p := range points {
		assert.Zero(t, p.Yhat)
	}
}

func TestPublicNormalization(t *testing.T) {
	ref := metric.Date(2024, 1, 10)
	pts := []metric.ForecastPoint{
		{TargetDate: ref.AddDays(2), Yhat: math.NaN(), YhatLower: 5, YhatUpper: 1},
		{TargetDate: ref.AddDays(1), Yhat: 2, YhatLower: math.Inf(-1), YhatUpper: 3},
	}
	out := forecast.Public(pts, "orders", ref)
	require.Len(t, out, 7)

	assert.Equal(t, "2024-01-11T00:00:00Z", out[0].MetricDate)
	assert.Equal(t, forecast.PublicPoint{MetricDate: "2024-01-11T00:00:00Z", Metric: "orders", Yhat: 2, YhatLower: 0, YhatUpper: 3}, out[0])
	assert.Equal(t, forecast.PublicPoint{MetricDate: "2024-01-12T00:00:00Z", Metric: "orders", Yhat: 0, YhatLower: 1, YhatUpper: 5}, out[1])
	assert.Equal(t, "2024-01-17T00:00:00Z", out[6].MetricDate)
	assert.Zero(t, out[6].Yhat)

	var many []metric.ForecastPoint
	for i := 10; i > 0; i-- {
		many = append(many, metric.ForecastPoint{TargetDate: ref.AddDays(i), Yhat: float64(i)})
	}
	out = forecast.Public(many, "orders", ref)
	require.Len(t, out, 7)
	assert.Equal(t, 1.0, out[0].Yhat)
	assert.Equal(t, 7.0, out[6].Yhat)

	out = forecast.Public(nil, "orders", ref)
	require.Len(t, out, 7)
	assert.Equal(t, "2024-01-11T00:00:00Z", out[0].MetricDate)
}

func TestSARIMAFitsTrend(t *testing.T) {
	y := make([]float64, 40)
	for i := range y {
		y[i] = 10 + 2*float64(i) + float64(i%3)
	}
	m, err := forecast.FitSARIMA(y, false)
	require.NoError(t, err)
	assert.Greater(t, m.Phi, -1.0)
	assert.Less(t, m.Phi, 1.0)

	pred, err := m.Forecast(5)
	require.NoError(t, err)
	require.Len(t, pred, 5)
	assert.InDelta(t, y[len(y)-1]+2, pred[0].Mean, 5)
	for i := 1; i < len(pred); i++ {
		width := pred[i].Upper - pred[i].Lower
		prev := pred[i-1].Upper - pred[i-1].Lower
		assert.GreaterOrEqual(t, width, prev, "intervals widen with the horizon")
	}
}

func TestSARIMARejectsShortSeries(t *testing.T) {
	_, err := forecast.FitSARIMA([]float64{1, 2, 3}, false)
	assert.Error(t, err)
	_, err = forecast.FitSARIMA(weekly(12), true)
	assert.Error(t, err)
}

func TestRefreshHealth(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	values := make([]float64, 12)
	for i := range values {
		values[i] = 10
	}
	values[10], values[11] = 20, 5
	src := seedDaily(t, s, "shop", "orders", values)
	e := forecast.New(s, forecast.Options{})

	res, err := e.RefreshHealth(ctx, forecast.HealthRequest{SourceName: "shop", Metric: "orders", WindowN: 10, HorizonN: 2})
	require.NoError(t, err)
	assert.False(t, res.Insufficient)
	// Holdout [20, 5] against a held 10: (0.5 + 1.0) / 2.
	assert.InDelta(t, 75.0, res.MAPE, 1e-9)
	assert.Equal(t, firstDay, res.TrainStart)
	assert.Equal(t, firstDay.AddDays(9), res.TrainEnd)

	stored, err := e.Health(ctx, "shop", "orders", 10)
	require.NoError(t, err)
	assert.Equal(t, src.ID, stored.SourceID)
	assert.InDelta(t, 75.0, stored.MAPE, 1e-9)

	res, err = e.RefreshHealth(ctx, forecast.HealthRequest{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	assert.True(t, res.Insufficient)
	assert.Equal(t, 100.0, res.MAPE)
}

func TestMAPE(t *testing.T) {
	assert.Equal(t, 100.0, forecast.MAPE([]float64{0, 0}, []float64{1, 2}))
	assert.InDelta(t, 50.0, forecast.MAPE([]float64{0, 2}, []float64{1, 1}), 1e-9)
}
