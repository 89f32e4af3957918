// Package eligibility maps a subscription and a day to at most one alert.
//
// The decision table is evaluated top to bottom and the first match wins:
//
//	offset < 0, trial or no auto-renewal   -> EXPIRED
//	offset < 0, auto-renewal               -> RENEWAL_REMINDER (renewal event)
//	trial, 0 <= offset <= 3                -> TRIAL_EXPIRY
//	auto-renewal, 0 < offset <= 2          -> RENEWAL_REMINDER (upcoming)
//	offset == 0                            -> PAYMENT_DUE
//
// where offset is the number of days from today to the renewal date.
package eligibility

import (
	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

const (
	trialWindowDays   = 3
	renewalWindowDays = 2
)

// Decision is the alert a subscription qualifies for on a given day.
type Decision struct {
	Kind domain.AlertKind
	// Renewal marks a renewal event: the renewal date has passed on an
	// auto-renewing subscription and must be advanced.
	Renewal   bool
	DayOffset int
}

// Decide evaluates the decision table. It performs no I/O.
func Decide(sub domain.Subscription, today calendar.Date) (Decision, bool) {
	offset := calendar.DaysBetween(today, sub.RenewalDate)
	d := Decision{DayOffset: offset}

	switch {
	case offset < 0 && (sub.Trial || !sub.AutoRenewal):
		d.Kind = domain.Expired
	case offset < 0:
		d.Kind = domain.RenewalReminder
		d.Renewal = true
	case sub.Trial && offset <= trialWindowDays:
		d.Kind = domain.TrialExpiry
	case sub.AutoRenewal && offset > 0 && offset <= renewalWindowDays:
		d.Kind = domain.RenewalReminder
	case offset == 0:
		d.Kind = domain.PaymentDue
	default:
		return Decision{}, false
	}
	return d, true
}
