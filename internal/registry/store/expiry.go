package store

import "time"

// Cutoff returns the unix-seconds boundary for an age-based flush: every row
// last fetched at or before it is expired.
func Cutoff(now time.Time, maxAgeDays int) int64 {
	if maxAgeDays < 0 {
		maxAgeDays = 0
	}
	return now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
}
