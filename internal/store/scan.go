package store

import (
	"fmt"
	"time"
)

// sqliteTimeLayouts are the forms modernc.org/sqlite writes and reads for DATETIME text.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// nullTime scans aggregate expressions over timestamp columns. SQLite returns those as text
// because the expression has no declared type.
type nullTime struct {
	t time.Time
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.t = time.Time{}
		return nil
	case time.Time:
		n.t = v.UTC()
		return nil
	case []byte:
		return n.Scan(string(v))
	case string:
		for _, layout := range sqliteTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				n.t = t.UTC()
				return nil
			}
		}
		return fmt.Errorf("scan time: unrecognized format %q", v)
	}
	return fmt.Errorf("scan time: unsupported type %T", src)
}
