// Package dateutil is the single source of truth for calendar-date
// arithmetic. All dates cross package boundaries as YYYY-MM-DD keys; keys
// compare chronologically with plain string comparison, which callers rely
// on for window checks.
//
// "Today" is always evaluated in a configured civil timezone, never in the
// process-local zone, because servers commonly run in UTC while the
// business day is anchored elsewhere. Arithmetic uses calendar operations
// (AddDate), not 24h durations, so DST transitions cannot shift results.
package dateutil

import (
	"fmt"
	"strings"
	"time"

	"gathercal/internal/model"
)

// DefaultTimezone is the deployment's civil timezone. Individual
// happenings may override it, but every date computation needs some zone
// and this is the fallback.
const DefaultTimezone = "America/Denver"

// LoadLocation resolves an IANA timezone name, falling back to
// DefaultTimezone when name is empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// Today returns the current calendar date in loc as a date key. If loc is
// nil the default timezone is used (and must be loadable, which it is for
// any platform shipping tzdata).
func Today(loc *time.Location) string {
	if loc == nil {
		loc, _ = time.LoadLocation(DefaultTimezone)
	}
	return time.Now().In(loc).Format(model.DateKeyLayout)
}

// ParseKey parses a YYYY-MM-DD key into a time.Time at UTC midnight.
// Date-only values carry no clock time, so UTC midnight is a safe uniform
// representation for weekday and interval math.
func ParseKey(key string) (time.Time, error) {
	t, err := time.Parse(model.DateKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// FormatKey renders t's calendar date as a date key.
func FormatKey(t time.Time) string {
	return t.Format(model.DateKeyLayout)
}

// AddDays returns the date n calendar days after key (n may be negative).
func AddDays(key string, n int) (string, error) {
	t, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return FormatKey(t.AddDate(0, 0, n)), nil
}

// WeekdayOf returns the weekday of the given date key.
func WeekdayOf(key string) (time.Weekday, error) {
	t, err := ParseKey(key)
	if err != nil {
		return 0, err
	}
	return t.Weekday(), nil
}

// DaysBetween returns the number of calendar days from a to b (negative
// when b precedes a).
func DaysBetween(a, b string) (int, error) {
	ta, err := ParseKey(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseKey(b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}

// ParseWeekday maps a weekday name ("Sunday".."Saturday", any case) to its
// time.Weekday. Returns false for anything else; callers must not guess.
func ParseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	default:
		return 0, false
	}
}
