package utils

import "time"

// MidnightUTC returns the UTC midnight preceding t.
// Daily cost accounting resets at this boundary.
func MidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
