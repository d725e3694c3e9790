package models

import (
	"strings"
	"time"
)

// ParseDateFilter parses a date filter value commonly used by the API.
// Supported formats:
// - YYYY-MM-DD
// - MM/DD/YYYY
// - RFC 3339 timestamps
//
// dateOnly reports whether the value named a whole day rather than an instant.
func ParseDateFilter(value string) (t time.Time, dateOnly bool, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, false
	}

	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true, true
	}
	if t, err := time.Parse("01/02/2006", value); err == nil {
		return t, true, true
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), false, true
	}

	return time.Time{}, false, false
}

// EndOfDay returns the last representable instant of t's UTC day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24*time.Hour - time.Nanosecond)
}
