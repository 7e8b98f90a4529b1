// Package schedule owns recurring job templates: their CRUD surface, scoped
// to the caller's queue allowlist, and the tick engine that turns due
// schedules into jobs through the admission pipeline.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"automation-backend/internal/models"
)

// cronParser accepts standard 5-field expressions and descriptors like "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRun computes the next fire after now: now plus the interval, or the
// next instant strictly after now matching the cron expression.
func NextRun(sc models.Schedule, now time.Time) (time.Time, error) {
	switch {
	case sc.IntervalSec != nil:
		return now.Add(time.Duration(*sc.IntervalSec) * time.Second).UTC().Truncate(time.Millisecond), nil
	case sc.Cron != nil:
		sched, err := ParseCron(*sc.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", *sc.Cron, err)
		}
		return sched.Next(now.UTC()).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("schedule %s has no cadence", sc.ID)
	}
}
