package notifications

import (
	"context"
	"fmt"

	"github.com/albapepper/subwatch/internal/billing"
	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

// Planned is the decision a run on a given day would act on for one
// subscription, before dedup.
type Planned struct {
	SubscriptionID string
	Name           string
	Kind           domain.AlertKind
	Renewal        bool
	// Retry marks a renewal already advanced on RenewedOn; only undelivered
	// recipients would be notified.
	Retry       bool
	RenewedOn   calendar.Date
	RenewalDate calendar.Date
	// NextRenewalDate is where a renewal event would move the date.
	NextRenewalDate calendar.Date
	Recipients      []string
	Missing         []string
}

// Preview evaluates every active subscription for today without reserving,
// sending or advancing anything.
func (d *Dispatcher) Preview(ctx context.Context, today calendar.Date) ([]Planned, error) {
	subs, err := d.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	users, err := d.repo.ResolveUsers(ctx, recipientIDs(subs))
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	var plan []Planned
	for _, sub := range subs {
		decision, retry, ok := d.decide(sub, today)
		if !ok {
			continue
		}
		p := Planned{
			SubscriptionID: sub.ID,
			Name:           sub.Name,
			Kind:           decision.Kind,
			Renewal:        decision.Renewal,
			Retry:          retry,
			RenewalDate:    sub.RenewalDate,
		}
		if retry {
			p.RenewedOn = sub.LastRenewedOn
		}
		if decision.Renewal && !retry {
			if p.NextRenewalDate, err = billing.CatchUp(sub.RenewalDate, sub.BillingCycle, today); err != nil {
				return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
		}
		for _, id := range sub.RecipientIDs() {
			if _, ok := users[id]; ok {
				p.Recipients = append(p.Recipients, id)
			} else {
				p.Missing = append(p.Missing, id)
			}
		}
		plan = append(plan, p)
	}
	return plan, nil
}
