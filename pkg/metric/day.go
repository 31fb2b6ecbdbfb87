package metric

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DayLayout is the ISO calendar date layout used on the wire and in storage.
const DayLayout = "2006-01-02"

// Day is a UTC calendar date.
type Day struct {
	t time.Time
}

// NewDay truncates t to its UTC calendar date.
func NewDay(t time.Time) Day {
	u := t.UTC()
	return Day{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

// Date builds a Day from its components.
func Date(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses an ISO date. Longer timestamps are accepted and cut to their date part.
func ParseDay(s string) (Day, error) {
	if len(s) >= len(DayLayout) {
		s = s[:len(DayLayout)]
	}
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day{t: t}, nil
}

// Today returns the current UTC date according to now.
func Today(now func() time.Time) Day {
	if now == nil {
		now = time.Now
	}
	return NewDay(now())
}

func (d Day) IsZero() bool        { return d.t.IsZero() }
func (d Day) Time() time.Time     { return d.t }
func (d Day) String() string      { return d.t.Format(DayLayout) }
func (d Day) AddDays(n int) Day   { return Day{t: d.t.AddDate(0, 0, n)} }
func (d Day) Before(o Day) bool   { return d.t.Before(o.t) }
func (d Day) After(o Day) bool    { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool    { return d.t.Equal(o.t) }
func (d Day) Midnight() string    { return d.t.Format("2006-01-02T00:00:00Z") }
func (d Day) DaysUntil(o Day) int { return int(o.t.Sub(d.t).Hours() / 24) }

// Value stores the day as an ISO date string.
func (d Day) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// Scan accepts the representations the SQLite and PostgreSQL drivers return for date columns.
func (d *Day) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Day{}
		return nil
	case time.Time:
		*d = NewDay(v)
		return nil
	case string:
		p, err := ParseDay(v)
		if err != nil {
			return err
		}
		*d = p
		return nil
	case []byte:
		return d.Scan(string(v))
	default:
		return fmt.Errorf("scan day: unsupported type %T", src)
	}
}

func (d Day) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Day) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Day{}
		return nil
	}
	p, err := ParseDay(*s)
	if err != nil {
		return err
	}
	*d = p
	return nil
}
