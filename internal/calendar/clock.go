package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata" // REFERENCE_TZ must resolve in minimal images
)

// Clock supplies today's date in the reference timezone.
type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock.
type SystemClock struct {
	loc *time.Location
	now func() time.Time
}

// NewSystemClock returns a clock for the named IANA timezone.
func NewSystemClock(tz string) (*SystemClock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return &SystemClock{loc: loc, now: time.Now}, nil
}

// Today returns the current day in the clock's location.
func (c *SystemClock) Today() Date {
	return In(c.now(), c.loc)
}

// Location returns the reference timezone.
func (c *SystemClock) Location() *time.Location { return c.loc }

// FixedClock always returns the same day. Used by the CLI --date flag and tests.
type FixedClock Date

// Today returns the fixed day.
func (c FixedClock) Today() Date { return Date(c) }
