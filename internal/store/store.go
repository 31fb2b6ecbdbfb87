package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/kpiradar/pkg/metric"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownSource is returned when a source name has no matching record.
	ErrUnknownSource = errors.New("unknown source")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
)

// PayloadSealer encrypts raw payloads at rest.
type PayloadSealer interface {
	Seal(plaintext []byte) (string, error)
	Open(token string) ([]byte, error)
}

// AggregateQuery selects clean events to roll up. Start and End are inclusive UTC dates.
type AggregateQuery struct {
	SourceID      int64
	Metric        string
	Start         metric.Day
	End           metric.Day
	DistinctField string
}

// DailyQuery selects stored daily aggregates.
type DailyQuery struct {
	SourceID int64
	Metric   string
	Start    metric.Day
	End      metric.Day
	Limit    int
	// Latest returns the most recent Limit rows, still ordered oldest first.
	Latest   bool
}

// SeriesKey identifies one (source, metric) daily series.
type SeriesKey struct {
	SourceID   int64  `db:"source_id" json:"source_id"`
	SourceName string `db:"source_name" json:"source_name"`
	Metric     string `db:"metric" json:"metric"`
}

// Store is the persistence interface.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Dialect() Dialect

	EnsureSource(ctx context.Context, name string) (metric.Source, error)
	SourceByName(ctx context.Context, name string) (metric.Source, error)
	ListSources(ctx context.Context) ([]metric.Source, error)

	InsertRawEvents(ctx context.Context, events []metric.RawEvent) error
	ListRawEvents(ctx context.Context, sourceID int64, batchID string, limit int) ([]metric.RawEvent, error)
	InsertCleanEvents(ctx context.Context, events []metric.CleanEvent) (int64, error)
	CountCleanEvents(ctx context.Context, sourceID int64) (int64, error)

	EventBounds(ctx context.Context, sourceID int64, metricName string) (minTS, maxTS time.Time, err error)
	AggregateEvents(ctx context.Context, q AggregateQuery) ([]metric.DailyAggregate, error)
	UpsertDailyAggregates(ctx context.Context, rows []metric.DailyAggregate) (int64, error)
	ListDailyAggregates(ctx context.Context, q DailyQuery) ([]metric.DailyAggregate, error)
	ListMetricNames(ctx context.Context, sourceID int64) ([]string, error)
	ListSeries(ctx context.Context) ([]SeriesKey, error)
	LastMetricDate(ctx context.Context, sourceID int64, metricName string) (metric.Day, error)

	UpsertForecastPoints(ctx context.Context, points []metric.ForecastPoint) error
	ListForecastPoints(ctx context.Context, sourceID int64, metricName string, after metric.Day, limit int) ([]metric.ForecastPoint, error)
	CountForecastPoints(ctx context.Context, sourceID int64, metricName string) (int64, error)
	PruneStaleForecasts(ctx context.Context) (int64, error)
	UpsertForecastHealth(ctx context.Context, h metric.ForecastHealth) error
	GetForecastHealth(ctx context.Context, sourceID int64, metricName string, windowN int) (metric.ForecastHealth, error)

	InsertReliabilitySnapshot(ctx context.Context, snap *metric.ReliabilitySnapshot) error
	LatestReliabilitySnapshot(ctx context.Context, sourceName, metricName string) (metric.ReliabilitySnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options configures Open.
type Options struct {
	Driver string
	Path   string // SQLite file
	DSN    string // PostgreSQL connection string
	Sealer PayloadSealer
	Logger *zap.Logger
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	sealer  PayloadSealer
	log     *zap.Logger
	now     func() time.Time
}

// Open connects to the configured backend and runs migrations.
func Open(opts Options) (*SQLStore, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var db *sqlx.DB
	switch dialect.Name {
	case Postgres.Name:
		if opts.DSN == "" {
			return nil, fmt.Errorf("open postgres: dsn is required")
		}
		db, err = sqlx.Open(dialect.DriverName, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		db, err = sqlx.Open(dialect.DriverName, sqliteDSN(opts.Path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", opts.Path, err)
		}
	}

	s := &SQLStore{db: db, dialect: dialect, sealer: opts.Sealer, log: log, now: time.Now}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug("store opened", zap.String("driver", dialect.Name))
	return s, nil
}

func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite&_txlock=immediate"
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
