package store_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) metric.Day {
	d, err := metric.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEnsureSourceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	a, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	b, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	got, err := s.SourceByName(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = s.SourceByName(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrUnknownSource)
}

func TestInsertCleanEventsIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []metric.CleanEvent{
		{SourceID: src.ID, Timestamp: ts, Metric: "orders", Value: 1},
		{SourceID: src.ID, Timestamp: ts.Add(time.Hour), Metric: "orders", Value: 2},
	}

	n, err := s.InsertCleanEvents(ctx, events)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.InsertCleanEvents(ctx, events)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	count, err := s.CountCleanEvents(ctx, src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestAggregateEventsGroupsByUTCDay(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	_, err = s.InsertCleanEvents(ctx, []metric.CleanEvent{
		{SourceID: src.ID, Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Metric: "orders", Value: 4},
		{SourceID: src.ID, Timestamp: time.Date(2024, 5, 1, 23, 59, 59, 0, time.UTC), Metric: "orders", Value: 5},
		{SourceID: src.ID, Timestamp: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Metric: "orders", Value: 7},
		{SourceID: src.ID, Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Metric: "refunds", Value: 1},
	})
	require.NoError(t, err)

	rows, err := s.AggregateEvents(ctx, store.AggregateQuery{SourceID: src.ID, Metric: "orders", DistinctField: "value"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "2024-05-01", rows[0].MetricDate.String())
	assert.Equal(t, 9.0, rows[0].ValueSum)
	assert.EqualValues(t, 2, rows[0].ValueCount)
	assert.Equal(t, 4.5, rows[0].ValueAvg)
	require.NotNil(t, rows[0].ValueDistinct)
	assert.EqualValues(t, 2, *rows[0].ValueDistinct)
	assert.Equal(t, "2024-05-02", rows[1].MetricDate.String())

	rows, err = s.AggregateEvents(ctx, store.AggregateQuery{SourceID: src.ID, Start: day("2024-05-02"), End: day("2024-05-02")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7.0, rows[0].ValueSum)

	_, err = s.AggregateEvents(ctx, store.AggregateQuery{SourceID: src.ID, DistinctField: "metric; DROP TABLE sources"})
	assert.Error(t, err)
}

func TestUpsertDailyAggregatesReplaces(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	row := metric.DailyAggregate{MetricDate: day("2024-05-01"), SourceID: src.ID, Metric: "orders", ValueSum: 10, ValueAvg: 5, ValueCount: 2}
	_, err = s.UpsertDailyAggregates(ctx, []metric.DailyAggregate{row})
	require.NoError(t, err)

	row.ValueSum, row.ValueAvg, row.ValueCount = 3, 3, 1
	_, err = s.UpsertDailyAggregates(ctx, []metric.DailyAggregate{row})
	require.NoError(t, err)

	rows, err := s.ListDailyAggregates(ctx, store.DailyQuery{SourceID: src.ID, Metric: "orders"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.0, rows[0].ValueSum)
	assert.EqualValues(t, 1, rows[0].ValueCount)

	last, err := s.LastMetricDate(ctx, src.ID, "orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", last.String())

	none, err := s.LastMetricDate(ctx, src.ID, "missing")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestListDailyAggregatesLatestKeepsAscendingOrder(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	var rows []metric.DailyAggregate
	start := day("2024-05-01")
	for i := range 10 {
		rows = append(rows, metric.DailyAggregate{MetricDate: start.AddDays(i), SourceID: src.ID, Metric: "orders", ValueSum: float64(i), ValueCount: 1})
	}
	_, err = s.UpsertDailyAggregates(ctx, rows)
	require.NoError(t, err)

	got, err := s.ListDailyAggregates(ctx, store.DailyQuery{SourceID: src.ID, Metric: "orders", Limit: 3, Latest: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2024-05-08", got[0].MetricDate.String())
	assert.Equal(t, "2024-05-10", got[2].MetricDate.String())

	names, err := s.ListMetricNames(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	series, err := s.ListSeries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.SeriesKey{{SourceID: src.ID, SourceName: "shop", Metric: "orders"}}, series)
}

func TestWithTxRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(ctx context.Context) error {
		assert.True(t, store.InTx(ctx))
		_, err := s.InsertCleanEvents(ctx, []metric.CleanEvent{{SourceID: src.ID, Timestamp: time.Now(), Metric: "m", Value: 1}})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.CountCleanEvents(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNestedWithTxUsesSavepoint(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	err = s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.InsertCleanEvents(ctx, []metric.CleanEvent{{SourceID: src.ID, Timestamp: ts, Metric: "outer", Value: 1}}); err != nil {
			return err
		}
		inner := s.WithTx(ctx, func(ctx context.Context) error {
			if _, err := s.InsertCleanEvents(ctx, []metric.CleanEvent{{SourceID: src.ID, Timestamp: ts, Metric: "inner", Value: 1}}); err != nil {
				return err
			}
			return errors.New("inner failed")
		})
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	n, err := s.CountCleanEvents(ctx, src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

type base64Sealer struct{}

func (base64Sealer) Seal(p []byte) (string, error) { return base64.StdEncoding.EncodeToString(p), nil }
func (base64Sealer) Open(t string) ([]byte, error) { return base64.StdEncoding.DecodeString(t) }

func TestRawEventsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t, func(o *store.Options) { o.Sealer = base64Sealer{} })
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	payload := json.RawMessage(`{"date":"2024-05-01","value":3}`)
	require.NoError(t, s.InsertRawEvents(ctx, []metric.RawEvent{
		{SourceID: src.ID, BatchID: "b1", RowIndex: 0, Filename: "a.csv", ContentType: "text/csv", Payload: payload},
	}))

	events, err := s.ListRawEvents(ctx, src.ID, "b1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, string(payload), string(events[0].Payload))
	assert.Equal(t, "a.csv", events[0].Filename)
	assert.False(t, events[0].ReceivedAt.IsZero())
}

func TestForecastPointsUpsertAndPrune(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	_, err = s.UpsertDailyAggregates(ctx, []metric.DailyAggregate{{MetricDate: day("2024-05-01"), SourceID: src.ID, Metric: "orders", ValueSum: 1, ValueCount: 1}})
	require.NoError(t, err)

	points := []metric.ForecastPoint{
		{SourceID: src.ID, Metric: "orders", TargetDate: day("2024-05-02"), Yhat: 1, YhatLower: 0, YhatUpper: 2, ModelVersion: "naive-hold"},
		{SourceID: src.ID, Metric: "orders", TargetDate: day("2024-05-03"), Yhat: 1, YhatLower: 0, YhatUpper: 2, ModelVersion: "naive-hold"},
	}
	require.NoError(t, s.UpsertForecastPoints(ctx, points))
	require.NoError(t, s.UpsertForecastPoints(ctx, points))

	n, err := s.CountForecastPoints(ctx, src.ID, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.UpsertDailyAggregates(ctx, []metric.DailyAggregate{{MetricDate: day("2024-05-02"), SourceID: src.ID, Metric: "orders", ValueSum: 1, ValueCount: 1}})
	require.NoError(t, err)

	pruned, err := s.PruneStaleForecasts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	left, err := s.ListForecastPoints(ctx, src.ID, "orders", day("2024-05-02"), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "2024-05-03", left[0].TargetDate.String())
}

func TestForecastHealthUpsert(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src, err := s.EnsureSource(ctx, "shop")
	require.NoError(t, err)

	_, err = s.GetForecastHealth(ctx, src.ID, "orders", 90)
	assert.ErrorIs(t, err, store.ErrNotFound)

	h := metric.ForecastHealth{SourceID: src.ID, Metric: "orders", WindowN: 90, HorizonN: 7, MAPE: 100}
	require.NoError(t, s.UpsertForecastHealth(ctx, h))
	h.MAPE = 12.5
	h.TrainStart, h.TrainEnd = day("2024-01-01"), day("2024-03-30")
	require.NoError(t, s.UpsertForecastHealth(ctx, h))

	got, err := s.GetForecastHealth(ctx, src.ID, "orders", 90)
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.MAPE)
	assert.Equal(t, "2024-03-30", got.TrainEnd.String())
}

func TestLatestReliabilitySnapshot(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	_, err := s.LatestReliabilitySnapshot(ctx, "shop", "orders")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i, d := range []string{"2024-05-02", "2024-05-03", "2024-05-01"} {
		snap := &metric.ReliabilitySnapshot{
			SourceName: "shop", Metric: "orders", AsOfDate: day(d), Score: 50 + i,
			Folds: []metric.ReliabilityFold{{FoldIndex: 0, MAE: 1}, {FoldIndex: 1, MAE: 2}},
		}
		require.NoError(t, s.InsertReliabilitySnapshot(ctx, snap))
		assert.NotZero(t, snap.ID)
	}

	latest, err := s.LatestReliabilitySnapshot(ctx, "shop", "orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-03", latest.AsOfDate.String())
	assert.Equal(t, 51, latest.Score)
	require.Len(t, latest.Folds, 2)
	assert.Equal(t, 2.0, latest.Folds[1].MAE)
}

func TestMigrationVersion(t *testing.T) {
	s := storetest.Open(t)
	v, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 1, v)
}

func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := storetest.OpenPostgres(t)
	assert.Equal(t, "postgres", s.Dialect().Name)

	src, err := s.EnsureSource(ctx, "pg-roundtrip")
	require.NoError(t, err)
	_, err = s.InsertCleanEvents(ctx, []metric.CleanEvent{
		{SourceID: src.ID, Timestamp: time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC), Metric: "orders", Value: 2},
	})
	require.NoError(t, err)

	rows, err := s.AggregateEvents(ctx, store.AggregateQuery{SourceID: src.ID, Metric: "orders"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "2024-05-01", rows[0].MetricDate.String())
}
