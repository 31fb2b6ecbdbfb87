// Package stream consumes metric rows from Kafka and feeds them through the ingestion pipeline.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig holds Kafka consumer settings.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a consumer-group reader starting from the earliest uncommitted offset.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
}

// Options configures a Consumer.
type Options struct {
	// DefaultSource receives messages that carry neither a source field nor a key.
	DefaultSource string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Consumer buffers messages per source and flushes them through the tolerant pipeline.
// After each source is ingested the daily rollup is recomputed for the metrics and days
// the batch touched. Offsets are committed only after every buffered source is flushed.
type Consumer struct {
	reader   Reader
	store    store.Store
	pipeline *ingest.Pipeline
	rollup   *rollup.Aggregator
	opts     Options
	log      *zap.Logger

	pending  map[string][]normalize.Row
	order    []string
	messages []kafka.Message
}

// NewConsumer creates a Consumer reading from r and writing to s.
func NewConsumer(r Reader, s store.Store, p *ingest.Pipeline, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Consumer{
		reader:   r,
		store:    s,
		pipeline: p,
		rollup:   rollup.New(s, opts.Logger),
		opts:     opts,
		log:      opts.Logger,
		pending:  make(map[string][]normalize.Row),
	}
}

// Run consumes until ctx is cancelled or the reader is exhausted. Buffered messages are
// flushed before returning. A failed flush stops the consumer without committing, so the
// messages are redelivered; deduplication makes the replay harmless.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("stream consumer started", zap.Int("batch_size", c.opts.BatchSize))
	lastFlush := time.Now()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FlushInterval)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			c.add(msg)
			if len(c.messages) >= c.opts.BatchSize || time.Since(lastFlush) >= c.opts.FlushInterval {
				if err := c.Flush(ctx); err != nil {
					return err
				}
				lastFlush = time.Now()
			}
		case ctx.Err() != nil:
			c.log.Info("stream consumer stopping")
			return c.Flush(context.WithoutCancel(ctx))
		case errors.Is(err, context.DeadlineExceeded):
			if err := c.Flush(ctx); err != nil {
				return err
			}
			lastFlush = time.Now()
		case errors.Is(err, io.EOF):
			return c.Flush(ctx)
		default:
			return fmt.Errorf("fetch message: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) add(msg kafka.Message) {
	c.messages = append(c.messages, msg)

	row, source := decode(msg)
	if source == "" {
		source = c.opts.DefaultSource
	}
	if source == "" {
		metrics.StreamMessagesTotal.WithLabelValues("unrouted").Inc()
		c.log.Warn("dropping message without source",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		return
	}

	if row.Malformed() {
		metrics.StreamMessagesTotal.WithLabelValues("malformed").Inc()
	} else {
		metrics.StreamMessagesTotal.WithLabelValues("ok").Inc()
	}
	if _, ok := c.pending[source]; !ok {
		c.order = append(c.order, source)
	}
	c.pending[source] = append(c.pending[source], row)
}

// decode parses a message value into a row and picks its source: the "source" field,
// else the message key.
func decode(msg kafka.Message) (normalize.Row, string) {
	source := strings.TrimSpace(string(msg.Key))

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return normalize.MalformedRow(string(msg.Value)), source
	}
	if s, ok := obj["source"].(string); ok && strings.TrimSpace(s) != "" {
		source = strings.TrimSpace(s)
	}
	return normalize.Row(obj), source
}

// Flush ingests every buffered source and commits the consumed offsets.
func (c *Consumer) Flush(ctx context.Context) error {
	if len(c.messages) == 0 {
		return nil
	}

	for _, source := range c.order {
		if err := c.flushSource(ctx, source, c.pending[source]); err != nil {
			return err
		}
	}

	if err := c.reader.CommitMessages(ctx, c.messages...); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	c.log.Debug("stream batch committed", zap.Int("messages", len(c.messages)), zap.Int("sources", len(c.order)))

	c.messages = c.messages[:0]
	c.order = c.order[:0]
	clear(c.pending)
	return nil
}

// flushSource ingests one source's rows and recomputes the touched aggregates in one transaction.
func (c *Consumer) flushSource(ctx context.Context, source string, rows []normalize.Row) error {
	return c.store.WithTx(ctx, func(ctx context.Context) error {
		stats, err := c.pipeline.Ingest(ctx, ingest.Request{
			SourceName:  source,
			Filename:    "kafka",
			ContentType: "application/json",
			Rows:        ingest.SliceRows(rows),
		})
		if err != nil {
			return fmt.Errorf("flush %s: %w", source, err)
		}

		start, end, ok := stats.Days()
		if !ok {
			return nil
		}
		for _, m := range stats.Metrics {
			if _, err := c.rollup.Run(ctx, rollup.Request{
				SourceID: stats.SourceID,
				Metric:   m,
				Start:    start,
				End:      end,
			}); err != nil {
				return fmt.Errorf("recompute %s/%s: %w", source, m, err)
			}
		}
		return nil
	})
}
