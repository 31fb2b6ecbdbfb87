package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migrationLogger adapts zap to the migrate.Logger interface.
type migrationLogger struct {
	log *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Infof(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return false
}

// Migrate applies every pending migration for the store's dialect.
func (s *SQLStore) Migrate() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB as well, so it is left open.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version.
func (s *SQLStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}

func (s *SQLStore) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations/"+s.dialect.Name)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var drv database.Driver
	switch s.dialect.Name {
	case Postgres.Name:
		drv, err = migratepgx.WithInstance(s.db.DB, &migratepgx.Config{})
	default:
		drv, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.Name, drv)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	m.Log = migrationLogger{log: s.log.Sugar()}
	return m, nil
}
