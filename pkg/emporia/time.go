package emporia

import (
	"fmt"
	"time"
)

// FormatTime renders t in UTC without an offset, followed by a literal Z.
// Fractional seconds are written as microseconds and only when non-zero.
func FormatTime(t time.Time) string {
	t = t.UTC()
	layout := "2006-01-02T15:04:05"
	if t.Nanosecond()/1000 != 0 {
		layout += ".000000"
	}
	return t.Format(layout) + "Z"
}

// parseTime accepts RFC 3339 instants as well as offset-less ones, which are
// taken to be UTC.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q: %w", s, err)
	}
	return t, nil
}
