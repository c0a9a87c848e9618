package database

import (
	"fmt"
	"time"
)

// TimeLayout is the storage format for every timestamp column. It is fixed
// width so that lexical ORDER BY on the TEXT column matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC3339 values written by older
// tooling are accepted too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
