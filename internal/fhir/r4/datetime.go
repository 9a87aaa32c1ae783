package r4

import (
	"fmt"
	"strings"
	"time"
)

// dateTime layouts ordered from most to least precise.
var dateTimeLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{time.RFC3339Nano, nil},
	{"2006-01-02T15:04:05", nil},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

// ParseDateTime parses a FHIR dateTime of any precision to the start of the window it names.
// Values without a zone are read as UTC.
func ParseDateTime(s string) (time.Time, error) {
	t, _, err := parseDateTime(s)
	return t, err
}

// ParseDateTimeEnd parses a FHIR dateTime to the last instant of the window it names, so a
// date-only bound covers the whole day.
func ParseDateTimeEnd(s string) (time.Time, error) {
	t, span, err := parseDateTime(s)
	if err != nil {
		return time.Time{}, err
	}
	if span == nil {
		return t, nil
	}
	return span(t).Add(-time.Nanosecond), nil
}

func parseDateTime(s string) (time.Time, func(time.Time) time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil, fmt.Errorf("empty dateTime")
	}
	for _, l := range dateTimeLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t, l.span, nil
		}
	}
	return time.Time{}, nil, fmt.Errorf("unrecognized dateTime %q", s)
}

// FormatDateTime renders an instant as a FHIR dateTime.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
