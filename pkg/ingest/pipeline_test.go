package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersCSV = `timestamp,metric,value
2024-05-01T10:00:00Z,orders,4
2024-05-01T18:00:00Z,orders,5
2024-05-02T09:00:00Z,visits,120
not-a-date,orders,3
2024-05-02T11:00:00Z,orders,abc
`

func csvRequest(body string) ingest.Request {
	return ingest.Request{
		SourceName: "shop",
		Filename:   "orders.csv",
		Rows:       ingest.ReadRows(strings.NewReader(body), ingest.KindCSV),
	}
}

func TestIngestTolerantSkipsInvalidRows(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	stats, err := p.Ingest(ctx, csvRequest(ordersCSV))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.IngestedRows)
	assert.Equal(t, 2, stats.SkippedRows)
	assert.Equal(t, 0, stats.Duplicates)
	assert.Equal(t, "orders", stats.FirstMetric)
	assert.Equal(t, []string{"orders", "visits"}, stats.Metrics)
	assert.Equal(t, []string{
		"row 3: " + string(normalize.ReasonInvalidTimestamp),
		"row 4: " + string(normalize.ReasonInvalidValue),
	}, stats.Warnings)

	start, end, ok := stats.Days()
	require.True(t, ok)
	assert.Equal(t, "2024-05-01", start.String())
	assert.Equal(t, "2024-05-02", end.String())

	raw, err := s.ListRawEvents(ctx, stats.SourceID, stats.BatchID, 0)
	require.NoError(t, err)
	assert.Len(t, raw, 5, "every row reaches the audit trail")
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	first, err := p.Ingest(ctx, csvRequest(ordersCSV))
	require.NoError(t, err)
	before, err := s.CountCleanEvents(ctx, first.SourceID)
	require.NoError(t, err)

	second, err := p.Ingest(ctx, csvRequest(ordersCSV))
	require.NoError(t, err)
	assert.Equal(t, first.SourceID, second.SourceID)
	assert.NotEqual(t, first.BatchID, second.BatchID)
	assert.Equal(t, second.IngestedRows, second.Duplicates)

	after, err := s.CountCleanEvents(ctx, first.SourceID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIngestStrictRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	req := csvRequest(ordersCSV)
	req.Strict = true
	stats, err := p.Ingest(ctx, req)
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.ErrorIs(t, err, ingest.ErrBatchRejected)

	var rejected *ingest.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 2, rejected.Total)
	assert.Equal(t, []ingest.RowError{
		{Index: 3, Reason: normalize.ReasonInvalidTimestamp},
		{Index: 4, Reason: normalize.ReasonInvalidValue},
	}, rejected.Rows)

	_, err = s.SourceByName(ctx, "shop")
	assert.ErrorIs(t, err, store.ErrUnknownSource, "nothing is written on rejection")
}

func TestIngestStrictAcceptsCleanBatch(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	req := csvRequest("timestamp,value\n2024-05-01,1\n2024-05-02,2\n")
	req.Strict = true
	req.DefaultMetric = "signups"
	stats, err := p.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.IngestedRows)
	assert.Equal(t, []string{"signups"}, stats.Metrics)
}

func TestIngestCapsWarnings(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{MaxWarnings: 3, BatchSize: 4})

	var b strings.Builder
	b.WriteString("timestamp,metric,value\n")
	for i := range 10 {
		fmt.Fprintf(&b, "bad-%d,orders,1\n", i)
	}
	fmt.Fprintf(&b, "2024-05-01T00:00:00Z,orders,1\n")

	stats, err := p.Ingest(ctx, csvRequest(b.String()))
	require.NoError(t, err)
	assert.Equal(t, 10, stats.SkippedRows)
	assert.Len(t, stats.Warnings, 3)
	assert.Equal(t, 1, stats.IngestedRows)
}

func TestIngestJoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	boom := errors.New("caller failed")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		_, err := p.Ingest(ctx, csvRequest(ordersCSV))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.SourceByName(ctx, "shop")
	assert.ErrorIs(t, err, store.ErrUnknownSource)
}

func TestIngestLargeBatchSize(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{BatchSize: 5000})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]normalize.Row, 5000)
	for i := range rows {
		rows[i] = normalize.Row{
			"timestamp": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"metric":    "orders",
			"value":     "1",
		}
	}

	stats, err := p.Ingest(ctx, ingest.Request{SourceName: "shop", Rows: ingest.SliceRows(rows)})
	require.NoError(t, err)
	assert.Equal(t, 5000, stats.IngestedRows)
	assert.Equal(t, 0, stats.Duplicates)

	n, err := s.CountCleanEvents(ctx, stats.SourceID)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, n)

	replay, err := p.Ingest(ctx, ingest.Request{SourceName: "shop", Rows: ingest.SliceRows(rows)})
	require.NoError(t, err)
	assert.Equal(t, 5000, replay.Duplicates)
}

func TestIngestReadErrorRollsBackFlushedRows(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{BatchSize: 2})

	readErr := errors.New("connection reset")
	rows := func(yield func(normalize.Row, error) bool) {
		for i := range 5 {
			row := normalize.Row{"timestamp": fmt.Sprintf("2024-05-0%dT00:00:00Z", i+1), "metric": "orders", "value": "1"}
			if !yield(row, nil) {
				return
			}
		}
		yield(nil, readErr)
	}

	stats, err := p.Ingest(ctx, ingest.Request{SourceName: "shop", Rows: rows})
	require.ErrorIs(t, err, readErr)
	assert.Nil(t, stats)

	_, err = s.SourceByName(ctx, "shop")
	assert.ErrorIs(t, err, store.ErrUnknownSource, "flushed rows are rolled back with the batch")
}

func TestIngestRequiresSourceName(t *testing.T) {
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	_, err := p.Ingest(context.Background(), ingest.Request{SourceName: "  "})
	assert.Error(t, err)
}

func TestIngestMalformedNDJSONLine(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	p := ingest.New(s, ingest.Options{})

	body := "{\"ts\":\"x\"}\n{broken\n{\"date\":\"2024-05-01\",\"metric\":\"orders\",\"amount\":2}\n"
	stats, err := p.Ingest(ctx, ingest.Request{
		SourceName: "shop",
		Rows:       ingest.ReadRows(strings.NewReader(body), ingest.KindNDJSON),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IngestedRows)
	assert.Equal(t, 2, stats.SkippedRows)
	assert.Contains(t, stats.Warnings, "row 1: "+string(normalize.ReasonMalformed))
}
