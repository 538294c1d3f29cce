package util

import (
	"time"

	"gridback/internal/domain"
)

// DaysBetween returns the inclusive list of UTC calendar-day keys spanning
// [start, end]. An end before start yields just the start day.
func DaysBetween(start, end time.Time) []string {
	start = start.UTC()
	end = end.UTC()

	days := []string{start.Format(domain.DayKey)}
	if !end.After(start) {
		return days
	}

	d := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := end.Format(domain.DayKey)
	for d.Format(domain.DayKey) != last {
		d = d.AddDate(0, 0, 1)
		days = append(days, d.Format(domain.DayKey))
	}
	return days
}

// ParseDay parses a calendar-day key back into its UTC midnight.
func ParseDay(key string) (time.Time, error) {
	return time.Parse(domain.DayKey, key)
}

// PrevDay returns the day key of the calendar day before key. Invalid keys
// are returned unchanged.
func PrevDay(key string) string {
	d, err := ParseDay(key)
	if err != nil {
		return key
	}
	return d.AddDate(0, 0, -1).Format(domain.DayKey)
}
