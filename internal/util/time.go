package util

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// LocalDay is a user's calendar day as observed in their own time zone.
type LocalDay struct {
	Date     string // YYYY-MM-DD
	Weekday  time.Weekday
	Location *time.Location
}

// LoadLocation loads an IANA time zone. Empty and "UTC" resolve to UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" || timezone == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}

// LocalDayFor returns the calendar day of now in timezone. An unknown zone falls back to UTC so a
// misconfigured profile still gets a stable day key.
func LocalDayFor(now time.Time, timezone string) LocalDay {
	loc, err := LoadLocation(timezone)
	if err != nil {
		slog.Warn("LocalDayFor: invalid timezone, using UTC", "timezone", timezone, "error", err)
		loc = time.UTC
	}
	local := now.In(loc)
	return LocalDay{
		Date:     local.Format(models.DateFormat),
		Weekday:  local.Weekday(),
		Location: loc,
	}
}
