// Package billing computes renewal dates for auto-renewing subscriptions.
package billing

import (
	"fmt"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

// maxCatchUpSteps bounds CatchUp for records that are decades overdue.
const maxCatchUpSteps = 10000

// Advance returns the renewal date one billing cycle after current.
// Month and year steps clip the day to the last valid day of the target
// month: Jan 31 + 1 month is Feb 28 (or 29), Feb 29 + 1 year is Feb 28.
func Advance(current calendar.Date, cycle domain.BillingCycle) (calendar.Date, error) {
	switch cycle {
	case domain.Weekly:
		return current.AddDays(7), nil
	case domain.Monthly:
		return addMonthsClipped(current, 1), nil
	case domain.Yearly:
		return addMonthsClipped(current, 12), nil
	default:
		return calendar.Date{}, fmt.Errorf("advance %s: unknown billing cycle %q", current, cycle)
	}
}

// CatchUp applies Advance until the date is on or after today, so one
// renewal event brings a long-overdue subscription current. It always
// advances at least once.
func CatchUp(current calendar.Date, cycle domain.BillingCycle, today calendar.Date) (calendar.Date, error) {
	next, err := Advance(current, cycle)
	if err != nil {
		return calendar.Date{}, err
	}
	for i := 0; next.Before(today); i++ {
		if i >= maxCatchUpSteps {
			return calendar.Date{}, fmt.Errorf("catch up %s to %s: too many cycles", current, today)
		}
		if next, err = Advance(next, cycle); err != nil {
			return calendar.Date{}, err
		}
	}
	return next, nil
}

func addMonthsClipped(d calendar.Date, months int) calendar.Date {
	total := int(d.Month) - 1 + months
	year := d.Year + total/12
	month := total%12 + 1
	day := min(d.Day, calendar.DaysIn(year, time.Month(month)))
	return calendar.Date{Year: year, Month: time.Month(month), Day: day}
}
