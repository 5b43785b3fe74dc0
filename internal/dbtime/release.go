// Package dbtime computes the StatCan "release day" cutoff used to decide
// whether a cube change discovered today is already visible upstream.
package dbtime

import (
	"fmt"
	"time"
)

// ReleaseCutoff is the local time of day at which StatCan publishes same-day
// changes. Before this time, "today" is not yet effective and discovery
// should treat the prior calendar day as current.
//
// The source material never states a timezone for the 08:30 offset; per
// spec.md's open questions this is left as a configurable parameter that
// defaults to Eastern Time rather than guessed as UTC.
type ReleaseCutoff struct {
	Hour, Minute int
	Location     *time.Location
}

// DefaultReleaseCutoff is 08:30 America/New_York, the documented default.
func DefaultReleaseCutoff() (ReleaseCutoff, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return ReleaseCutoff{}, fmt.Errorf("load default release location: %w", err)
	}
	return ReleaseCutoff{Hour: 8, Minute: 30, Location: loc}, nil
}

// EffectiveDate returns the StatCan calendar date that is "current" as of
// now: if the local clock at the cutoff's location has passed the cutoff
// time, today is effective; otherwise the prior day is, since today's
// release has not happened yet.
func (c ReleaseCutoff) EffectiveDate(now time.Time) time.Time {
	local := now.In(c.Location)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, c.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location)
	if local.Before(cutoff) {
		return day.AddDate(0, 0, -1)
	}
	return day
}
