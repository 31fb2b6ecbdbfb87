package stream_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/internal/store/storetest"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/stream"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// fakeReader replays a fixed list of messages, then blocks until the context ends
// or returns io.EOF when eof is set.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	eof       bool
	committed []kafka.Message
	commitErr error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.next < len(r.msgs) {
		msg := r.msgs[r.next]
		r.next++
		r.mu.Unlock()
		return msg, nil
	}
	eof := r.eof
	r.mu.Unlock()

	if eof {
		return kafka.Message{}, io.EOF
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func message(offset int64, key, value string) kafka.Message {
	return kafka.Message{Topic: "kpi", Offset: offset, Key: []byte(key), Value: []byte(value)}
}

func daily(t *testing.T, s store.Store, source, name string) []metric.DailyAggregate {
	t.Helper()
	ctx := context.Background()
	src, err := s.SourceByName(ctx, source)
	require.NoError(t, err)
	rows, err := s.ListDailyAggregates(ctx, store.DailyQuery{SourceID: src.ID, Metric: name})
	require.NoError(t, err)
	return rows
}

func TestConsumerFlushesPerSourceAndRecomputes(t *testing.T) {
	s := storetest.Open(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := &fakeReader{eof: true, msgs: []kafka.Message{
		message(0, "shop", `{"timestamp":"2024-05-01T10:00:00Z","metric":"orders","value":4}`),
		message(1, "shop", `{"timestamp":"2024-05-01T12:00:00Z","metric":"orders","value":5}`),
		message(2, "ignored", `{"source":"blog","timestamp":"2024-05-02T08:00:00Z","metric":"views","value":10}`),
		message(3, "shop", `not json`),
		message(4, "shop", `{"timestamp":"2024-05-01T10:00:00Z","metric":"orders","value":4}`),
	}}
	c := stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{Logger: zaptest.NewLogger(t)})

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 5, reader.committedCount())

	orders := daily(t, s, "shop", "orders")
	require.Len(t, orders, 1)
	assert.Equal(t, 9.0, orders[0].ValueSum, "the duplicate event is not counted twice")
	assert.EqualValues(t, 2, orders[0].ValueCount)

	views := daily(t, s, "blog", "views")
	require.Len(t, views, 1)
	assert.Equal(t, "2024-05-02", views[0].MetricDate.String())

	_, err := s.SourceByName(context.Background(), "ignored")
	assert.ErrorIs(t, err, store.ErrUnknownSource)

	src, err := s.SourceByName(context.Background(), "shop")
	require.NoError(t, err)
	raw, err := s.ListRawEvents(context.Background(), src.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, raw, 4, "malformed messages still reach the audit trail")
}

func TestConsumerBatchesAndRecomputesIncrementally(t *testing.T) {
	s := storetest.Open(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := &fakeReader{eof: true, msgs: []kafka.Message{
		message(0, "shop", `{"timestamp":"2024-05-01T10:00:00Z","metric":"orders","value":1}`),
		message(1, "shop", `{"timestamp":"2024-05-01T11:00:00Z","metric":"orders","value":2}`),
		message(2, "shop", `{"timestamp":"2024-05-01T12:00:00Z","metric":"orders","value":3}`),
	}}
	c := stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{BatchSize: 2})

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 3, reader.committedCount())

	orders := daily(t, s, "shop", "orders")
	require.Len(t, orders, 1)
	assert.Equal(t, 6.0, orders[0].ValueSum, "later flushes replace the aggregate from all events")
	assert.EqualValues(t, 3, orders[0].ValueCount)
}

func TestConsumerDefaultSourceAndUnrouted(t *testing.T) {
	s := storetest.Open(t)
	msgs := []kafka.Message{message(0, "", `{"timestamp":"2024-05-01T10:00:00Z","metric":"m","value":1}`)}

	reader := &fakeReader{eof: true, msgs: msgs}
	c := stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{})
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 1, reader.committedCount(), "unrouted messages are committed and dropped")
	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)

	reader = &fakeReader{eof: true, msgs: msgs}
	c = stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{DefaultSource: "events"})
	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, daily(t, s, "events", "m"), 1)
}

func TestConsumerFlushesOnShutdown(t *testing.T) {
	s := storetest.Open(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := &fakeReader{msgs: []kafka.Message{
		message(0, "shop", `{"timestamp":"2024-05-01T10:00:00Z","metric":"orders","value":7}`),
	}}
	c := stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.next == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 1, reader.committedCount())
	assert.Len(t, daily(t, s, "shop", "orders"), 1)
	require.NoError(t, c.Close())
}

func TestConsumerDoesNotCommitOnFailure(t *testing.T) {
	s := storetest.Open(t)
	reader := &fakeReader{eof: true, commitErr: errors.New("broker gone"), msgs: []kafka.Message{
		message(0, "shop", `{"timestamp":"2024-05-01T10:00:00Z","metric":"orders","value":7}`),
	}}
	c := stream.NewConsumer(reader, s, ingest.New(s, ingest.Options{}), stream.Options{})

	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "broker gone")
	assert.Zero(t, reader.committedCount())
}
