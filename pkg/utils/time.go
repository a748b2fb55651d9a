package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ClockLayout is the HH:MM layout used for every published time.
const ClockLayout = "15:04"

// DateLayout is the ISO date layout used in slot keys.
const DateLayout = "2006-01-02"

// TruncateToMinute drops seconds and sub-second precision and converts to UTC.
func TruncateToMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// FormatClock formats t as HH:MM in UTC
func FormatClock(t time.Time) string {
	return t.UTC().Format(ClockLayout)
}

// ParseClock parses an HH:MM string and returns hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in clock time %q", s)
	}

	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in clock time %q", s)
	}

	return hour, minute, nil
}

// NormalizeClock re-formats an HH:MM string so that "9:05" becomes "09:05".
func NormalizeClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// ClockOnDate returns the instant of hh:mm UTC on the calendar day of date.
func ClockOnDate(date time.Time, hhmm string) (time.Time, error) {
	h, m, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := date.UTC().Date()
	return time.Date(y, mo, d, h, m, 0, 0, time.UTC), nil
}

// ResolveClockTimeRelativeTo interprets hhmm as a UTC time of day near now.
//
// Policy (next-day rollover): the time is placed on now's calendar day; if
// that instant is not strictly after now, it is assumed to refer to the
// following UTC day.
func ResolveClockTimeRelativeTo(hhmm string, now time.Time) (time.Time, error) {
	t, err := ClockOnDate(now, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if !t.After(now.UTC()) {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

// AddMinutesToClock shifts an HH:MM string by delta minutes, wrapping around midnight.
func AddMinutesToClock(hhmm string, delta int) (string, error) {
	h, m, err := ParseClock(hhmm)
	if err != nil {
		return "", err
	}
	total := ((h*60+m+delta)%1440 + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", total/60, total%60), nil
}

var (
	ordinalSuffix = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	weekdayToken  = regexp.MustCompile(`(?i)^(mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)[a-z]*,?\s+`)
)

// ParseScheduleDate accepts either an ISO date (YYYY-MM-DD) or a free-text
// "weekday ordinal-day month" form such as "Sat 1st Nov". Free-text dates
// assume the current UTC year of now.
func ParseScheduleDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty schedule date")
	}

	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}

	cleaned := weekdayToken.ReplaceAllString(s, "")
	cleaned = ordinalSuffix.ReplaceAllString(cleaned, "$1")
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	year := now.UTC().Year()
	for _, layout := range []string{"2 Jan", "2 January", "Jan 2", "January 2"} {
		t, err := time.Parse(layout, cleaned)
		if err == nil {
			return time.Date(year, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised schedule date %q", s)
}

// FormatDate formats t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
