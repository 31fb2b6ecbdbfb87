// Package storetest opens throwaway stores for tests.
package storetest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// PostgresDSNEnv names the variable that enables PostgreSQL-backed tests.
const PostgresDSNEnv = "KPIRADAR_TEST_POSTGRES_DSN"

// Open returns a migrated SQLite store in a fresh temp directory, closed on cleanup.
func Open(t testing.TB, opts ...func(*store.Options)) *store.SQLStore {
	t.Helper()

	o := store.Options{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "kpiradar.db"),
		Logger: zaptest.NewLogger(t),
	}
	for _, fn := range opts {
		fn(&o)
	}

	s, err := store.Open(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// OpenPostgres returns a PostgreSQL store when PostgresDSNEnv is set and skips the test otherwise.
func OpenPostgres(t testing.TB) *store.SQLStore {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" || testing.Short() {
		t.Skipf("%s not set", PostgresDSNEnv)
	}

	s, err := store.Open(store.Options{Driver: "postgres", DSN: dsn, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
