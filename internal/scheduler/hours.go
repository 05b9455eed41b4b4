package scheduler

import (
	"time"

	"logship/internal/config"
)

// Permitted reports whether draining is allowed at t under the
// operational-hours gate. The window is [start, end); start after end
// wraps past midnight (22:00-06:00 covers the night).
func Permitted(hours config.OperationalHours, t time.Time) bool {
	if !hours.Enabled {
		return true
	}
	start, err := config.ParseClockTime(hours.Start)
	if err != nil {
		return true
	}
	end, err := config.ParseClockTime(hours.End)
	if err != nil {
		return true
	}

	minute := t.Hour()*60 + t.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// NextAt returns the next occurrence of the "HH:MM" wall-clock time at or
// after now. A now already past today's occurrence rolls to tomorrow.
func NextAt(now time.Time, clock string) time.Time {
	minutes, err := config.ParseClockTime(clock)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), minutes/60, minutes%60, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
