package model

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05Z"

// DayLayout formats the date part of a stored timestamp.
const DayLayout = "2006-01-02"

// FormatUTC renders t in TimeLayout.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseUTC parses a TimeLayout (or RFC 3339) timestamp.
func ParseUTC(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
