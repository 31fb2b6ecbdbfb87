package rollup_test

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seed(t *testing.T, s store.Store, name string, events ...metric.CleanEvent) metric.Source {
	t.Helper()
	ctx := context.Background()
	src, err := s.EnsureSource(ctx, name)
	require.NoError(t, err)
	for i := range events {
		events[i].SourceID = src.ID
	}
	_, err = s.InsertCleanEvents(ctx, events)
	require.NoError(t, err)
	return src
}

func at(day, hour int, metricName string, v float64) metric.CleanEvent {
	return metric.CleanEvent{
		Timestamp: time.Date(2024, 5, day, hour, 0, 0, 0, time.UTC),
		Metric:    metricName,
		Value:     v,
	}
}

func TestRunComputesDailyAggregates(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seed(t, s, "shop", at(1, 9, "events_total", 4), at(1, 17, "events_total", 5), at(3, 12, "events_total", 2))
	agg := rollup.New(s, zaptest.NewLogger(t))

	res, err := agg.Run(ctx, rollup.Request{SourceName: "shop"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowsUpserted)
	assert.Equal(t, 2, res.RowsAggregated)
	assert.Equal(t, []string{"events_total"}, res.Metrics)
	assert.Equal(t, "2024-05-01", res.StartDate.String())
	assert.Equal(t, "2024-05-03", res.EndDate.String())
	assert.Equal(t, 3, res.NumDays)

	rows, err := agg.Daily(ctx, rollup.DailyRequest{SourceName: "shop", Metric: "events_total"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 9.0, rows[0].ValueSum)
	assert.EqualValues(t, 2, rows[0].ValueCount)
	assert.Equal(t, 4.5, rows[0].ValueAvg)
	assert.Equal(t, 9.0, rows[0].Value)
	assert.Nil(t, rows[0].ValueDistinct)
}

func TestRunReplacesOnRerun(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src := seed(t, s, "shop", at(1, 9, "orders", 4), at(1, 17, "orders", 5))
	agg := rollup.New(s, nil)

	for range 3 {
		_, err := agg.Run(ctx, rollup.Request{SourceName: "shop", Metric: "orders"})
		require.NoError(t, err)
	}
	rows, err := agg.Daily(ctx, rollup.DailyRequest{SourceID: src.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 9.0, rows[0].ValueSum)
	assert.EqualValues(t, 2, rows[0].ValueCount)

	// A late event for the same day is absorbed by the next recompute.
	_, err = s.InsertCleanEvents(ctx, []metric.CleanEvent{{SourceID: src.ID, Timestamp: time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC), Metric: "orders", Value: 1}})
	require.NoError(t, err)
	_, err = agg.Run(ctx, rollup.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)

	rows, err = agg.Daily(ctx, rollup.DailyRequest{SourceID: src.ID, Agg: rollup.AggCount})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, rows[0].ValueSum)
	assert.Equal(t, 3.0, rows[0].Value)
}

func TestRunDistinctAndRange(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seed(t, s, "shop", at(1, 9, "orders", 4), at(1, 10, "orders", 4), at(1, 11, "orders", 7), at(2, 9, "orders", 1))
	agg := rollup.New(s, nil)

	res, err := agg.Run(ctx, rollup.Request{
		SourceName:    "shop",
		Start:         metric.Date(2024, 5, 1),
		End:           metric.Date(2024, 5, 1),
		DistinctField: "value",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsUpserted)
	assert.Equal(t, 1, res.NumDays)

	rows, err := agg.Daily(ctx, rollup.DailyRequest{SourceName: "shop", Agg: rollup.AggAvg})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ValueDistinct)
	assert.EqualValues(t, 2, *rows[0].ValueDistinct)
	assert.Equal(t, 5.0, rows[0].Value)
}

func TestRunRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seed(t, s, "shop", at(1, 9, "orders", 4))
	agg := rollup.New(s, nil)

	_, err := agg.Run(ctx, rollup.Request{SourceName: "shop", DistinctField: "payload"})
	assert.ErrorIs(t, err, rollup.ErrInvalidField)

	_, err = agg.Run(ctx, rollup.Request{SourceName: "shop", Start: metric.Date(2024, 5, 2), End: metric.Date(2024, 5, 1)})
	assert.ErrorIs(t, err, rollup.ErrInvalidField)

	_, err = agg.Run(ctx, rollup.Request{SourceName: "nope"})
	assert.ErrorIs(t, err, store.ErrUnknownSource)

	_, err = agg.Daily(ctx, rollup.DailyRequest{SourceName: "shop", Agg: "median"})
	assert.ErrorIs(t, err, rollup.ErrInvalidField)
}

func TestRunWithoutMatchingRows(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seed(t, s, "shop")
	agg := rollup.New(s, nil)

	res, err := agg.Run(ctx, rollup.Request{SourceName: "shop", Metric: "orders"})
	require.NoError(t, err)
	assert.Zero(t, res.RowsUpserted)
	assert.Zero(t, res.NumDays)
	assert.Empty(t, res.Metrics)
}

func TestRunAllSources(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	seed(t, s, "shop", at(1, 9, "orders", 4))
	seed(t, s, "blog", at(2, 9, "visits", 40), at(4, 9, "visits", 10))
	agg := rollup.New(s, nil)

	res, err := agg.Run(ctx, rollup.Request{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RowsUpserted)
	assert.Equal(t, []string{"orders", "visits"}, res.Metrics)
	assert.Equal(t, 4, res.NumDays)
}

func TestMetricNamesAndExport(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	src := seed(t, s, "shop", at(1, 9, "orders", 4), at(1, 17, "orders", 5), at(1, 9, "visits", 12))
	agg := rollup.New(s, nil)
	_, err := agg.Run(ctx, rollup.Request{SourceName: "shop"})
	require.NoError(t, err)

	names, err := agg.MetricNames(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "visits"}, names)

	var buf bytes.Buffer
	require.NoError(t, agg.ExportCSV(ctx, &buf, rollup.DailyRequest{SourceName: "shop", Metric: "orders"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(rollup.CSVHeader, ","), lines[0])
	assert.Equal(t, "2024-05-01,"+strconv.FormatInt(src.ID, 10)+",orders,9,2,9,4.5", lines[1])
}

func TestWindow(t *testing.T) {
	start, end := rollup.Window(time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC), 3)
	assert.Equal(t, "2024-05-08", start.String())
	assert.Equal(t, "2024-05-10", end.String())
}
