package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/jmoiron/sqlx"
)

// sealedPayload is the stored shape of an encrypted raw payload.
type sealedPayload struct {
	Ciphertext string `json:"ciphertext"`
}

// InsertRawEvents appends audit rows. Payloads are sealed when a sealer is configured.
func (s *SQLStore) InsertRawEvents(ctx context.Context, events []metric.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	for chunk := range slices.Chunk(events, upsertChunk) {
		ib := s.dialect.Flavor.NewInsertBuilder()
		ib.InsertInto("raw_events")
		ib.Cols("source_id", "batch_id", "row_index", "received_at", "filename", "content_type", "payload")
		for _, ev := range chunk {
			payload, err := s.sealPayload(ev.Payload)
			if err != nil {
				return err
			}
			received := ev.ReceivedAt
			if received.IsZero() {
				received = s.now()
			}
			ib.Values(ev.SourceID, ev.BatchID, ev.RowIndex, received.UTC(), ev.Filename, ev.ContentType, payload)
		}

		query, args := ib.Build()
		if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert raw events: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) sealPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if s.sealer == nil {
		return string(payload), nil
	}
	token, err := s.sealer.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("seal raw payload: %w", err)
	}
	out, err := json.Marshal(sealedPayload{Ciphertext: token})
	if err != nil {
		return "", fmt.Errorf("marshal sealed payload: %w", err)
	}
	return string(out), nil
}

func (s *SQLStore) openPayload(stored string) (json.RawMessage, error) {
	if s.sealer != nil {
		var sp sealedPayload
		if err := json.Unmarshal([]byte(stored), &sp); err == nil && sp.Ciphertext != "" {
			plain, err := s.sealer.Open(sp.Ciphertext)
			if err != nil {
				return nil, fmt.Errorf("open raw payload: %w", err)
			}
			return plain, nil
		}
	}
	return json.RawMessage(stored), nil
}

type rawEventRow struct {
	metric.RawEvent
	Stored string `db:"payload"`
}

// ListRawEvents reads audit rows, oldest first. An empty batchID lists across batches.
func (s *SQLStore) ListRawEvents(ctx context.Context, sourceID int64, batchID string, limit int) ([]metric.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	sb := s.dialect.Flavor.NewSelectBuilder()
	sb.Select("id", "source_id", "batch_id", "row_index", "received_at", "filename", "content_type", "payload")
	sb.From("raw_events")
	where := []string{sb.Equal("source_id", sourceID)}
	if batchID != "" {
		where = append(where, sb.Equal("batch_id", batchID))
	}
	sb.Where(where...)
	sb.OrderBy("id").Asc()
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []rawEventRow
	if err := sqlx.SelectContext(ctx, s.q(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list raw events: %w", err)
	}

	events := make([]metric.RawEvent, len(rows))
	for i, r := range rows {
		payload, err := s.openPayload(r.Stored)
		if err != nil {
			return nil, err
		}
		events[i] = r.RawEvent
		events[i].Payload = payload
	}
	return events, nil
}

// InsertCleanEvents inserts normalized events, ignoring ones already stored, and returns how many were new.
func (s *SQLStore) InsertCleanEvents(ctx context.Context, events []metric.CleanEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	var total int64
	for chunk := range slices.Chunk(events, upsertChunk) {
		ib := s.dialect.Flavor.NewInsertBuilder()
		ib.InsertInto("clean_events")
		ib.Cols("source_id", "ts", "metric", "value")
		for _, ev := range chunk {
			ib.Values(ev.SourceID, ev.Timestamp.UTC(), ev.Metric, ev.Value)
		}

		query, args := ib.Build()
		query += " ON CONFLICT (source_id, ts, metric) DO NOTHING"

		res, err := s.q(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("insert clean events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("insert clean events: rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func (s *SQLStore) CountCleanEvents(ctx context.Context, sourceID int64) (int64, error) {
	q := s.q(ctx)
	var n int64
	if err := sqlx.GetContext(ctx, q, &n, q.Rebind("SELECT COUNT(*) FROM clean_events WHERE source_id = ?"), sourceID); err != nil {
		return 0, fmt.Errorf("count clean events: %w", err)
	}
	return n, nil
}

// EventBounds returns the earliest and latest clean event timestamps. Both are zero when nothing matches.
func (s *SQLStore) EventBounds(ctx context.Context, sourceID int64, metricName string) (time.Time, time.Time, error) {
	sb := s.dialect.Flavor.NewSelectBuilder()
	sb.Select("MIN(ts)", "MAX(ts)")
	sb.From("clean_events")
	where := []string{sb.Equal("source_id", sourceID)}
	if metricName != "" {
		where = append(where, sb.Equal("metric", metricName))
	}
	sb.Where(where...)

	query, args := sb.Build()
	var minTS, maxTS nullTime
	if err := s.q(ctx).QueryRowxContext(ctx, query, args...).Scan(&minTS, &maxTS); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("event bounds: %w", err)
	}
	return minTS.t, maxTS.t, nil
}
