package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/subwatch/internal/billing"
	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/delivery"
	"github.com/albapepper/subwatch/internal/domain"
	"github.com/albapepper/subwatch/internal/eligibility"
)

// Dispatcher executes runs. It holds no per-run state, so concurrent RunOnce
// calls are safe; History reservations keep them from double-sending.
type Dispatcher struct {
	repo     SubscriptionRepository
	history  History
	notifier delivery.Notifier
	reporter FailureReporter
	opts     Options
	logger   *slog.Logger

	mu   sync.Mutex
	last *RunResult
}

// NewDispatcher wires a Dispatcher. A nil reporter logs permanent failures.
func NewDispatcher(
	repo SubscriptionRepository,
	history History,
	notifier delivery.Notifier,
	reporter FailureReporter,
	opts Options,
	logger *slog.Logger,
) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.ClaimLease > 0 && opts.SendTimeout >= opts.ClaimLease {
		capped := opts.ClaimLease / 2
		logger.Warn("send timeout not below claim lease, capping",
			"send_timeout", opts.SendTimeout, "claim_lease", opts.ClaimLease, "capped", capped)
		opts.SendTimeout = capped
	}
	if opts.ExpiredRepeat == "" {
		opts.ExpiredRepeat = ExpiredDaily
	}
	if reporter == nil {
		reporter = LogReporter{Logger: logger}
	}
	return &Dispatcher{
		repo:     repo,
		history:  history,
		notifier: notifier,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
	}
}

// Run adapts RunOnce to the scheduler's run signature.
func (d *Dispatcher) Run(ctx context.Context, today calendar.Date) error {
	_, err := d.RunOnce(ctx, today)
	return err
}

// LastResult returns the result of the most recent completed run.
func (d *Dispatcher) LastResult() (RunResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return RunResult{}, false
	}
	return *d.last, true
}

// RunOnce processes every active subscription for today. It returns an
// error only when the run as a whole could not proceed (store unreachable);
// per-unit failures are counted in the result and logged.
//
// Cancelling ctx stops the run from taking new units. A unit already in
// progress finishes its send and history write.
func (d *Dispatcher) RunOnce(ctx context.Context, today calendar.Date) (RunResult, error) {
	start := time.Now()
	result := RunResult{Day: today}

	subs, err := d.repo.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("list subscriptions: %w", err)
	}
	result.Subscriptions = len(subs)

	users, err := d.repo.ResolveUsers(ctx, recipientIDs(subs))
	if err != nil {
		return result, fmt.Errorf("resolve users: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)

	for _, sub := range subs {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		g.Go(func() error {
			out := d.processSubscription(ctx, sub, users, today)
			mu.Lock()
			result.Add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	d.mu.Lock()
	d.last = &result
	d.mu.Unlock()

	d.logger.Info("Notification run complete", "summary", result.Summary())
	return result, nil
}

// processSubscription handles every recipient of one subscription.
func (d *Dispatcher) processSubscription(ctx context.Context, sub domain.Subscription, users map[string]domain.User, today calendar.Date) RunResult {
	var out RunResult
	if ctx.Err() != nil {
		out.Interrupted = true
		return out
	}

	// RecipientIDs trims; the owner lookup has to match it.
	ownerID := strings.TrimSpace(sub.UserID)
	owner, ok := users[ownerID]
	if !ok {
		d.logger.Warn("owner not found, skipping subscription",
			"subscription_id", sub.ID, "user_id", sub.UserID)
		out.Unresolved++
		return out
	}
	recipients := []domain.User{owner}
	for _, id := range sub.RecipientIDs()[1:] {
		u, ok := users[id]
		if !ok {
			d.logger.Debug("shared user not found, dropping", "subscription_id", sub.ID, "user_id", id)
			out.DroppedRecipients++
			continue
		}
		recipients = append(recipients, u)
	}

	decision, retry, ok := d.decide(sub, today)
	if !ok {
		return out
	}
	out.Decisions++

	if decision.Renewal && !retry {
		renewed, err := d.renew(ctx, sub, today)
		switch {
		case errors.Is(err, domain.ErrRenewalConflict):
			// Another run advanced it and owns the notifications.
			d.logger.Info("renewal already advanced by another run", "subscription_id", sub.ID)
			out.Conflicts++
			return out
		case err != nil:
			d.logger.Error("advance renewal date failed", "subscription_id", sub.ID, "error", err)
			out.Failed++
			out.AddErrorf("subscription %s: %v", sub.ID, err)
			return out
		}
		sub = renewed
		out.Renewed++
	}

	for _, r := range recipients {
		if ctx.Err() != nil {
			out.Interrupted = true
			return out
		}
		out.Add(d.notify(ctx, sub, r, decision, today))
	}
	return out
}

// decide applies the eligibility table. A renewal event whose notification
// may still be undelivered yields the renewal decision again (retry=true):
// on the day it was advanced, and on later days until the new renewal date
// produces a decision of its own. Reservations keyed on the renewal day make
// the retry reach only recipients never confirmed.
func (d *Dispatcher) decide(sub domain.Subscription, today calendar.Date) (decision eligibility.Decision, retry, ok bool) {
	if sub.AutoRenewal && !sub.Trial && sub.LastRenewedOn == today {
		return renewalRetry(sub, today), true, true
	}
	if decision, ok = eligibility.Decide(sub, today); ok {
		return decision, false, true
	}
	if renewalPending(sub, today) {
		return renewalRetry(sub, today), true, true
	}
	return eligibility.Decision{}, false, false
}

// renewalPending reports whether sub was advanced before today and the new
// renewal date has not come due yet.
func renewalPending(sub domain.Subscription, today calendar.Date) bool {
	return sub.AutoRenewal && !sub.Trial &&
		!sub.LastRenewedOn.IsZero() &&
		sub.LastRenewedOn.Before(today) &&
		sub.RenewalDate.After(today)
}

func renewalRetry(sub domain.Subscription, today calendar.Date) eligibility.Decision {
	return eligibility.Decision{
		Kind:      domain.RenewalReminder,
		Renewal:   true,
		DayOffset: calendar.DaysBetween(today, sub.RenewalDate),
	}
}

// renew rolls the renewal date forward and persists it with a compare-and-swap
// on the old date.
func (d *Dispatcher) renew(ctx context.Context, sub domain.Subscription, today calendar.Date) (domain.Subscription, error) {
	next, err := billing.CatchUp(sub.RenewalDate, sub.BillingCycle, today)
	if err != nil {
		return sub, err
	}
	if err := d.repo.AdvanceRenewalDate(context.WithoutCancel(ctx), sub.ID, sub.RenewalDate, next, today); err != nil {
		return sub, err
	}
	d.logger.Info("subscription renewed",
		"subscription_id", sub.ID, "from", sub.RenewalDate.String(), "to", next.String())
	sub.RenewalDate = next
	sub.LastRenewedOn = today
	return sub, nil
}

// notify reserves, sends and records one (subscription, recipient) unit.
func (d *Dispatcher) notify(ctx context.Context, sub domain.Subscription, to domain.User, decision eligibility.Decision, today calendar.Date) RunResult {
	var out RunResult
	wctx := context.WithoutCancel(ctx)

	key := domain.DedupKey{
		SubscriptionID: sub.ID,
		RecipientID:    to.ID,
		Kind:           decision.Kind,
		Day:            d.dedupDay(decision, sub, today),
	}
	res, err := d.history.TryReserve(wctx, key)
	if errors.Is(err, domain.ErrAlreadyNotified) {
		d.logger.Debug("already notified", "key", key.String())
		out.Deduplicated++
		return out
	}
	if err != nil {
		d.logger.Error("reserve failed", "key", key.String(), "error", err)
		out.Failed++
		out.AddErrorf("reserve %s: %v", key, err)
		return out
	}

	content := delivery.Render(delivery.Message{
		Kind:         decision.Kind,
		Renewed:      decision.Renewal,
		Subscription: sub,
		Recipient:    to,
	})

	sendCtx, cancel := context.WithTimeout(wctx, d.opts.SendTimeout)
	err = d.notifier.Send(sendCtx, to, decision.Kind, content)
	cancel()

	switch {
	case err == nil:
		if cerr := d.history.Confirm(wctx, res); cerr != nil {
			d.logger.Error("sent but history not recorded", "key", key.String(), "error", cerr)
			out.AddErrorf("confirm %s: %v", key, cerr)
		}
		out.Sent++

	case delivery.IsPermanent(err):
		d.logger.Warn("delivery failed permanently", "key", key.String(), "error", err)
		if merr := d.history.MarkFailed(wctx, res, err.Error()); merr != nil {
			d.logger.Error("mark failed", "key", key.String(), "error", merr)
		}
		d.reporter.ReportPermanent(wctx, Failure{Key: key, Recipient: to, Err: err})
		out.PermanentFailures++

	default:
		d.logger.Warn("delivery failed, will retry next run", "key", key.String(), "error", err)
		if rerr := d.history.Release(wctx, res); rerr != nil {
			d.logger.Error("release reservation", "key", key.String(), "error", rerr)
		}
		out.Failed++
		out.AddErrorf("send %s: %v", key, err)
	}
	return out
}

// dedupDay is the day component of the dedup key. Renewal events key on the
// day the date was advanced, so retries on later days hit the same record.
// EXPIRED alerts under the once policy key on the lapsed renewal date.
func (d *Dispatcher) dedupDay(decision eligibility.Decision, sub domain.Subscription, today calendar.Date) calendar.Date {
	switch {
	case decision.Renewal && !sub.LastRenewedOn.IsZero():
		return sub.LastRenewedOn
	case decision.Kind == domain.Expired && d.opts.ExpiredRepeat == ExpiredOnce:
		return sub.RenewalDate
	}
	return today
}

func recipientIDs(subs []domain.Subscription) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, s := range subs {
		for _, id := range s.RecipientIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
