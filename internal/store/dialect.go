package store

import (
	"fmt"

	"github.com/huandu/go-sqlbuilder"
)

// Dialect captures what differs between the supported backends. It is chosen once when the store opens.
type Dialect struct {
	Name       string
	DriverName string
	Flavor     sqlbuilder.Flavor
	dayBucket  func(col string) string
}

var (
	// SQLite stores instants as ISO text in UTC, so date() yields the UTC calendar day.
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		Flavor:     sqlbuilder.SQLite,
		dayBucket:  func(col string) string { return fmt.Sprintf("date(%s)", col) },
	}

	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		Flavor:     sqlbuilder.PostgreSQL,
		dayBucket:  func(col string) string { return fmt.Sprintf("(%s AT TIME ZONE 'UTC')::date", col) },
	}
)

// DialectFor resolves a configured driver name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

// DayBucket returns the SQL expression for the UTC calendar date of a timestamp column.
func (d Dialect) DayBucket(col string) string {
	return d.dayBucket(col)
}
