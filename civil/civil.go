// Package civil implements calendar-day arithmetic pinned to the challenge
// timezone. Every "day" elsewhere in the system is a civil day produced by
// this package, encoded as a YYYY-MM-DD date key.
package civil

import (
	"fmt"
	"strings"
	"time"
)

// KeyLayout is the canonical encoding of a civil date key.
const KeyLayout = "2006-01-02"

// Calendar resolves instants to civil days in a fixed timezone. The zero
// value is not usable; construct with NewCalendar or LoadCalendar.
type Calendar struct {
	loc *time.Location
}

// NewCalendar wraps an already-loaded location.
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc}
}

// LoadCalendar resolves the named IANA timezone.
func LoadCalendar(name string) (*Calendar, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("civil: timezone name required")
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("civil: load timezone %q: %w", trimmed, err)
	}
	return &Calendar{loc: loc}, nil
}

// Location returns the underlying timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// DateKey returns the civil date of the instant in the challenge timezone.
func (c *Calendar) DateKey(t time.Time) string {
	return t.In(c.loc).Format(KeyLayout)
}

// DayWindow returns the date key of the instant together with the UTC
// half-open window [startUTC, endUTC) covering that civil day. Two instants
// with the same date key always produce identical windows.
func (c *Calendar) DayWindow(t time.Time) (key string, startUTC, endUTC time.Time) {
	local := t.In(c.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 0, 1)
	return start.Format(KeyLayout), start.UTC(), end.UTC()
}

// WindowForKey returns the UTC window for an explicit date key.
func (c *Calendar) WindowForKey(key string) (startUTC, endUTC time.Time, err error) {
	start, err := time.ParseInLocation(KeyLayout, key, c.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("civil: parse date key %q: %w", key, err)
	}
	return start.UTC(), start.AddDate(0, 0, 1).UTC(), nil
}

// TotalDays counts the civil days spanned by [start, endExclusive). A
// degenerate or inverted range still counts as a single day.
func (c *Calendar) TotalDays(start, endExclusive time.Time) int {
	diff, err := DiffDays(c.DateKey(start), c.DateKey(endExclusive))
	if err != nil || diff < 1 {
		return 1
	}
	return diff
}

// DayNumber reports which challenge day (1-based) the target instant falls
// on, clamped to [1, totalDays] when totalDays is positive.
func (c *Calendar) DayNumber(start, target time.Time, totalDays int) int {
	diff, err := DiffDays(c.DateKey(start), c.DateKey(target))
	if err != nil {
		diff = 0
	}
	n := diff + 1
	if n < 1 {
		n = 1
	}
	if totalDays > 0 && n > totalDays {
		n = totalDays
	}
	return n
}

// ParseDateInput accepts either an RFC 3339 instant or a bare date key. Bare
// keys anchor to midnight in the challenge timezone.
func (c *Calendar) ParseDateInput(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("civil: empty date input")
	}
	if len(trimmed) == len(KeyLayout) {
		if t, err := time.ParseInLocation(KeyLayout, trimmed, c.loc); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("civil: parse date input %q: %w", trimmed, err)
	}
	return t, nil
}

// AddDays shifts a date key by n civil days, crossing month and year
// boundaries as needed.
func AddDays(key string, n int) (string, error) {
	t, err := parseKeyUTC(key)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(KeyLayout), nil
}

// DiffDays returns the signed number of whole civil days from a to b.
func DiffDays(a, b string) (int, error) {
	ta, err := parseKeyUTC(a)
	if err != nil {
		return 0, err
	}
	tb, err := parseKeyUTC(b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}

// ValidKey reports whether the string is a well-formed date key.
func ValidKey(key string) bool {
	_, err := parseKeyUTC(key)
	return err == nil
}

// parseKeyUTC interprets the key as a UTC midnight, which keeps key
// arithmetic free of DST effects regardless of the challenge timezone.
func parseKeyUTC(key string) (time.Time, error) {
	t, err := time.Parse(KeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("civil: parse date key %q: %w", key, err)
	}
	return t, nil
}
