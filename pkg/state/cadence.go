package state

import "time"

// Role is the extraction role chosen for a reference-mode source
type Role string

const (
	// RoleReference means a full-snapshot extraction is due
	RoleReference Role = "reference"
	// RoleDelta means an incremental extraction suffices
	RoleDelta Role = "delta"
)

// DecideRole alternates full-snapshot vs. delta extraction based on the
// configured cadence. The role is reference when the number of calendar
// days since the last successful reference extraction has reached
// cadenceDays; failed or skipped runs do not advance the reference date,
// so a long gap always triggers a fresh reference run.
func DecideRole(lastReferenceDate string, cadenceDays int, now time.Time) Role {
	if cadenceDays <= 0 {
		return RoleDelta
	}
	if lastReferenceDate == "" {
		return RoleReference
	}

	last, err := time.Parse("2006-01-02", lastReferenceDate)
	if err != nil {
		return RoleReference
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	last = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)

	days := int(today.Sub(last).Hours() / 24)
	if days >= cadenceDays {
		return RoleReference
	}
	return RoleDelta
}
