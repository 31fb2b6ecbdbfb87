package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/jmoiron/sqlx"
)

// EnsureSource returns the named source, creating it on first reference.
func (s *SQLStore) EnsureSource(ctx context.Context, name string) (metric.Source, error) {
	q := s.q(ctx)
	if _, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO sources (name) VALUES (?)
		ON CONFLICT (name) DO NOTHING
	`), name); err != nil {
		return metric.Source{}, fmt.Errorf("create source %s: %w", name, err)
	}

	var src metric.Source
	if err := sqlx.GetContext(ctx, q, &src, q.Rebind("SELECT id, name FROM sources WHERE name = ?"), name); err != nil {
		return metric.Source{}, fmt.Errorf("get source %s: %w", name, err)
	}
	return src, nil
}

// SourceByName returns ErrUnknownSource when no source has that name.
func (s *SQLStore) SourceByName(ctx context.Context, name string) (metric.Source, error) {
	q := s.q(ctx)
	var src metric.Source
	err := sqlx.GetContext(ctx, q, &src, q.Rebind("SELECT id, name FROM sources WHERE name = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return metric.Source{}, fmt.Errorf("source %q: %w", name, ErrUnknownSource)
	}
	if err != nil {
		return metric.Source{}, fmt.Errorf("get source %s: %w", name, err)
	}
	return src, nil
}

func (s *SQLStore) ListSources(ctx context.Context) ([]metric.Source, error) {
	var sources []metric.Source
	if err := sqlx.SelectContext(ctx, s.q(ctx), &sources, "SELECT id, name FROM sources ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}
