// Package timeutil provides timezone-aware calendar helpers used to bucket
// progression into daily and weekly windows.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
)

// LoadLocation resolves an IANA zone name. Empty and "UTC" map to time.UTC,
// "Local" maps to time.Local.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "UTC", "utc":
		return time.UTC, nil
	case "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timeutil: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	loc = orUTC(loc)
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the last instant of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// StartOfWeek returns Monday 00:00 of the ISO week containing t in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return day.AddDate(0, 0, -(weekday - 1))
}

// EndOfWeek returns the last instant of the ISO week containing t.
func EndOfWeek(t time.Time, loc *time.Location) time.Time {
	return StartOfWeek(t, loc).AddDate(0, 0, 7).Add(-time.Nanosecond)
}

// NextDayBoundary returns the next local midnight after t.
func NextDayBoundary(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1)
}

// NextWeekBoundary returns the next Monday 00:00 after t.
func NextWeekBoundary(t time.Time, loc *time.Location) time.Time {
	return StartOfWeek(t, loc).AddDate(0, 0, 7)
}

// DateKey formats t's local calendar date as YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format(FormatDate)
}

// ISOWeekKey formats t's ISO-8601 week as YYYY-Www, e.g. 2020-W53.
// The year is the ISO week-numbering year, which differs from the calendar
// year around New Year.
func ISOWeekKey(t time.Time, loc *time.Location) string {
	year, week := t.In(orUTC(loc)).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// ParseDateKey parses a YYYY-MM-DD key back to local midnight in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(FormatDate, key, orUTC(loc))
}

// ParseISOWeekKey parses a YYYY-Www key to the Monday that starts the week.
func ParseISOWeekKey(key string, loc *time.Location) (time.Time, error) {
	var year, week int
	if _, err := fmt.Sscanf(key, "%4d-W%2d", &year, &week); err != nil {
		return time.Time{}, fmt.Errorf("timeutil: invalid week key %q: %w", key, err)
	}
	if week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("timeutil: invalid week number in %q", key)
	}
	// January 4th is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, orUTC(loc))
	monday := StartOfWeek(jan4, loc).AddDate(0, 0, (week-1)*7)
	if y, w := monday.ISOWeek(); y != year || w != week {
		return time.Time{}, fmt.Errorf("timeutil: week %d does not exist in %d", week, year)
	}
	return monday, nil
}

// IsSameDay checks if two times fall on the same local day.
func IsSameDay(t1, t2 time.Time, loc *time.Location) bool {
	return DateKey(t1, loc) == DateKey(t2, loc)
}

// DaysBetween calculates the number of whole local days between two times.
func DaysBetween(t1, t2 time.Time, loc *time.Location) int {
	a1 := StartOfDay(t1, loc)
	a2 := StartOfDay(t2, loc)
	days := int(a2.Sub(a1).Round(time.Hour).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}
